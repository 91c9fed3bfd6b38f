package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/recapio/recap/internal/taxonomy"
)

// ErrFileNotFound is returned by lookups that matched no row. Owner-scoped
// lookups return it for both missing and non-owned files.
var ErrFileNotFound = errors.New("store: file not found")

// fileColumns is the select list shared by file readers.
const fileColumns = `id, user_id, storage_bucket, storage_key_original,
	original_filename, extension, mime_type, size_bytes, status,
	error_code, error_message, storage_key_report, storage_key_raw_llm_output,
	prompt_version, schema_version, processing_attempts,
	queued_at, started_at, processed_at, created_at, updated_at`

func scanFile(row pgx.Row) (*File, error) {
	var f File
	err := row.Scan(
		&f.ID, &f.UserID, &f.StorageBucket, &f.StorageKeyOriginal,
		&f.OriginalFilename, &f.Extension, &f.MimeType, &f.SizeBytes, &f.Status,
		&f.ErrorCode, &f.ErrorMessage, &f.StorageKeyReport, &f.StorageKeyRawLLMOutput,
		&f.PromptVersion, &f.SchemaVersion, &f.ProcessingAttempts,
		&f.QueuedAt, &f.StartedAt, &f.ProcessedAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFile inserts a new file row in the uploading state.
func (s *Store) CreateFile(ctx context.Context, f *File) error {
	now := s.clock.Now()
	f.Status = FileUploading
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (
			id, user_id, storage_bucket, storage_key_original,
			original_filename, extension, mime_type, size_bytes, status,
			processing_attempts, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$10)`,
		f.ID, f.UserID, f.StorageBucket, f.StorageKeyOriginal,
		f.OriginalFilename, f.Extension, f.MimeType, f.SizeBytes, f.Status, now,
	)
	if err != nil {
		return fmt.Errorf("store: create file: %w", err)
	}
	return nil
}

// MarkFileQueued flips a file to queued after its job row exists.
func (s *Store) MarkFileQueued(ctx context.Context, fileID string) error {
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE files SET status=$2, queued_at=$3, updated_at=$3 WHERE id=$1`,
		fileID, FileQueued, now,
	)
	if err != nil {
		return fmt.Errorf("store: mark file queued: %w", err)
	}
	return nil
}

// MarkFileFailed records a terminal upload failure with a sanitized error.
func (s *Store) MarkFileFailed(ctx context.Context, fileID string, code taxonomy.Code, msg string) error {
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE files SET status=$2, error_code=$3, error_message=$4,
			processed_at=$5, updated_at=$5
		WHERE id=$1`,
		fileID, FileFailed, string(code), taxonomy.Sanitize(msg), now,
	)
	if err != nil {
		return fmt.Errorf("store: mark file failed: %w", err)
	}
	return nil
}

// GetFileContext fetches the minimal view the pipeline needs. Returns
// ErrFileNotFound when the row is gone.
func (s *Store) GetFileContext(ctx context.Context, fileID string) (*FileContext, error) {
	var fc FileContext
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, storage_key_original FROM files WHERE id=$1`,
		fileID,
	).Scan(&fc.FileID, &fc.UserID, &fc.StorageKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get file context: %w", err)
	}
	return &fc, nil
}

// GetOwnedFile fetches a file scoped to its owner. Missing and non-owned
// rows are indistinguishable to the caller.
func (s *Store) GetOwnedFile(ctx context.Context, ownerID, fileID string) (*File, error) {
	f, err := scanFile(s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id=$1 AND user_id=$2`,
		fileID, ownerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get owned file: %w", err)
	}
	return f, nil
}

// ListOwnedFiles returns the owner's files, newest first.
func (s *Store) ListOwnedFiles(ctx context.Context, ownerID string, limit int) ([]*File, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM files
		WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list owned files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list owned files: %w", err)
	}
	return files, nil
}

// SaveReportMetadata records the report artifact on the file row. Called by
// the pipeline after the report object is durably written; idempotent by
// file id.
func (s *Store) SaveReportMetadata(ctx context.Context, fileID, storageKeyReport, promptVersion, schemaVersion string) error {
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE files SET storage_key_report=$2, prompt_version=$3,
			schema_version=$4, updated_at=$5
		WHERE id=$1`,
		fileID, storageKeyReport, promptVersion, schemaVersion, now,
	)
	if err != nil {
		return dbError(err)
	}
	return nil
}

// SaveRawMetadata records the raw LLM output artifact, persisted for
// diagnostics when schema validation fails.
func (s *Store) SaveRawMetadata(ctx context.Context, fileID, storageKeyRaw string) error {
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE files SET storage_key_raw_llm_output=$2, updated_at=$3 WHERE id=$1`,
		fileID, storageKeyRaw, now,
	)
	if err != nil {
		return dbError(err)
	}
	return nil
}
