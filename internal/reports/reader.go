// Package reports serves finished reports to their owners. Lookups are
// owner-scoped at the query level: a file that exists but belongs to someone
// else is indistinguishable from one that never existed, so nothing leaks
// across tenants.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/recapio/recap/internal/blob"
	"github.com/recapio/recap/internal/events"
	"github.com/recapio/recap/internal/store"
	"github.com/recapio/recap/internal/taxonomy"
)

// Sentinel outcomes the transport layer maps to statuses.
var (
	// ErrNotFound covers both missing and non-owned files.
	ErrNotFound = errors.New("reports: file not found")

	// ErrNotReady means the file exists but has no finished report yet.
	ErrNotReady = errors.New("reports: report not ready")

	// ErrFetchFailed means the report exists on record but could not be
	// retrieved or parsed.
	ErrFetchFailed = errors.New("reports: report fetch failed")
)

// Repo is the slice of the store the reader needs.
type Repo interface {
	GetOwnedFile(ctx context.Context, ownerID, fileID string) (*store.File, error)
}

// Report is the owner-visible view of a finished report.
type Report struct {
	ID               string           `json:"id"`
	Status           store.FileStatus `json:"status"`
	StorageKeyReport string           `json:"storage_key_report"`
	Report           any              `json:"report"`
}

// Reader fetches reports for their owners.
type Reader struct {
	repo  Repo
	blobs blob.Store
	sink  events.Sink
	log   *zap.Logger
}

// New wires a Reader.
func New(repo Repo, blobs blob.Store, sink events.Sink, log *zap.Logger) *Reader {
	if sink == nil {
		sink = events.NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{repo: repo, blobs: blobs, sink: sink, log: log}
}

// Get returns the report for a file the caller owns.
func (r *Reader) Get(ctx context.Context, ownerID, fileID string) (*Report, error) {
	f, err := r.repo.GetOwnedFile(ctx, ownerID, fileID)
	if errors.Is(err, store.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFetchFailed, taxonomy.Sanitize(err.Error()))
	}

	if f.Status != store.FileSucceeded || f.StorageKeyReport == nil {
		return nil, ErrNotReady
	}

	text, err := r.blobs.GetText(ctx, *f.StorageKeyReport)
	if err != nil {
		return nil, r.fetchFailed(ownerID, fileID, *f.StorageKeyReport, err)
	}

	var payload any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, r.fetchFailed(ownerID, fileID, *f.StorageKeyReport, err)
	}

	return &Report{
		ID:               f.ID,
		Status:           f.Status,
		StorageKeyReport: *f.StorageKeyReport,
		Report:           payload,
	}, nil
}

// fetchFailed records the failure as an event and wraps it under the
// sentinel. The message is sanitized; the report body never appears.
func (r *Reader) fetchFailed(ownerID, fileID, key string, err error) error {
	msg := taxonomy.Sanitize(err.Error())
	r.sink.Emit(events.ReportFetchFailed, map[string]any{
		"user_id":     ownerID,
		"file_id":     fileID,
		"storage_key": key,
		"error":       msg,
	})
	r.log.Error("report fetch failed",
		zap.String("file_id", fileID), zap.String("error", msg))
	return fmt.Errorf("%w: %s", ErrFetchFailed, msg)
}
