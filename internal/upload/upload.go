// Package upload accepts a transcript, writes it to the object store, and
// registers it for processing. Object store and database are two independent
// writers with a fixed order: file row, then object, then job, then the
// queued status flip. Every partial failure path compensates best-effort and
// reports what it could not undo as structured events.
package upload

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recapio/recap/internal/blob"
	"github.com/recapio/recap/internal/events"
	"github.com/recapio/recap/internal/store"
	"github.com/recapio/recap/internal/taxonomy"
)

// MaxUploadBytes caps the accepted transcript size at 10 MiB.
const MaxUploadBytes = 10 << 20

// allowedExtensions is the transcript format allowlist.
var allowedExtensions = map[string]bool{
	"txt": true,
	"vtt": true,
}

// Repo is the slice of the store the enqueuer needs.
type Repo interface {
	CreateFile(ctx context.Context, f *store.File) error
	Enqueue(ctx context.Context, fileID string) (string, error)
	MarkFileQueued(ctx context.Context, fileID string) error
	MarkFileFailed(ctx context.Context, fileID string, code taxonomy.Code, msg string) error
}

// Input is one upload request. Data is the full transcript body; it is never
// logged.
type Input struct {
	UserID   string
	Filename string
	MimeType string
	Data     []byte
}

// Enqueuer runs the upload protocol.
type Enqueuer struct {
	repo   Repo
	blobs  blob.Store
	bucket string
	sink   events.Sink
	log    *zap.Logger
}

// New wires an Enqueuer.
func New(repo Repo, blobs blob.Store, bucket string, sink events.Sink, log *zap.Logger) *Enqueuer {
	if sink == nil {
		sink = events.NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Enqueuer{repo: repo, blobs: blobs, bucket: bucket, sink: sink, log: log}
}

// Validate checks the request before any writer runs. Returns a taxonomy
// error the transport layer maps to a client status.
func Validate(in Input) (ext string, err *taxonomy.Error) {
	ext = strings.TrimPrefix(strings.ToLower(filepath.Ext(in.Filename)), ".")
	if !allowedExtensions[ext] {
		return "", taxonomy.Fatal(taxonomy.CodeInvalidFileType,
			"unsupported file type: only .txt and .vtt transcripts are accepted")
	}
	if len(in.Data) == 0 {
		return "", taxonomy.Fatal(taxonomy.CodeEmptyTranscript, "uploaded file is empty")
	}
	if len(in.Data) > MaxUploadBytes {
		return "", taxonomy.Fatal(taxonomy.CodeFileTooLarge,
			"file exceeds the 10 MiB upload limit")
	}
	return ext, nil
}

// Upload validates, creates the file row, stores the original object, and
// enqueues the processing job. Row before object before job: each step only
// runs once everything it references is durable.
func (e *Enqueuer) Upload(ctx context.Context, in Input) (*store.File, error) {
	ext, verr := Validate(in)
	if verr != nil {
		return nil, verr
	}

	fileID := uuid.NewString()
	key := blob.OriginalKey(in.UserID, fileID, ext)

	f := &store.File{
		ID:                 fileID,
		UserID:             in.UserID,
		StorageBucket:      e.bucket,
		StorageKeyOriginal: key,
		OriginalFilename:   filepath.Base(in.Filename),
		Extension:          ext,
		SizeBytes:          int64(len(in.Data)),
	}
	if in.MimeType != "" {
		f.MimeType = &in.MimeType
	}
	if err := e.repo.CreateFile(ctx, f); err != nil {
		// Nothing else exists yet; no compensation needed.
		return nil, store.DBErrorFrom(err)
	}

	contentType := in.MimeType
	if contentType == "" {
		contentType = "text/plain"
	}
	if err := e.blobs.Put(ctx, key, in.Data, contentType); err != nil {
		if markErr := e.repo.MarkFileFailed(ctx, fileID, taxonomy.CodeS3PutFailed, err.Error()); markErr != nil {
			e.log.Warn("failed to mark file failed after object write error",
				zap.String("file_id", fileID), zap.Error(markErr))
		}
		return nil, taxonomy.Fatal(taxonomy.CodeS3PutFailed, err.Error())
	}

	if _, err := e.repo.Enqueue(ctx, fileID); err != nil && !errors.Is(err, store.ErrAlreadyEnqueued) {
		// The object is durable but nothing will ever process it. Take it
		// back out, flag the file as failed, and leave an operator record.
		fields := map[string]any{
			"user_id":     in.UserID,
			"file_id":     fileID,
			"storage_key": key,
			"error":       taxonomy.Sanitize(err.Error()),
		}
		if delErr := e.blobs.Delete(ctx, key); delErr != nil {
			fields["delete_failed"] = true
			e.sink.Emit(events.OrphanS3Object, map[string]any{
				"user_id":     in.UserID,
				"file_id":     fileID,
				"storage_key": key,
				"error":       taxonomy.Sanitize(delErr.Error()),
			})
		}
		if markErr := e.repo.MarkFileFailed(ctx, fileID, taxonomy.CodeEnqueueFailed,
			"failed to enqueue processing job"); markErr != nil {
			e.log.Warn("failed to mark file failed after enqueue error",
				zap.String("file_id", fileID), zap.Error(markErr))
		}
		e.sink.Emit(events.OrphanFileWithoutJob, fields)
		return nil, taxonomy.Fatal(taxonomy.CodeEnqueueFailed, err.Error())
	}

	if err := e.repo.MarkFileQueued(ctx, fileID); err != nil {
		// The job is durable; the worker will process it regardless of the
		// stale file status, so the upload still succeeds.
		e.log.Warn("file status update lagged behind enqueue",
			zap.String("file_id", fileID), zap.Error(err))
	} else {
		f.Status = store.FileQueued
	}
	return f, nil
}
