// Package events provides the structured event sink used for operational
// diagnostics that must survive as stable, greppable records: orphaned
// objects, compensation failures, report fetch errors. Event names are part
// of the public contract and usable as metric labels.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Stable event names emitted by the core.
const (
	OrphanS3Object               = "orphan_s3_object"
	OrphanFileWithoutJob         = "orphan_file_without_job"
	OrphanReportObject           = "orphan_report_object"
	RawOutputMetadataUpdateFault = "raw_output_metadata_update_failed"
	ReportFetchFailed            = "report_fetch_failed"
)

// Sink receives structured events. Implementations must be safe for
// concurrent use and must never block job processing on failure.
type Sink interface {
	Emit(event string, fields map[string]any)
}

// entry is the JSONL wire form of an emitted event.
type entry struct {
	Timestamp string         `json:"ts"`
	Event     string         `json:"event"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// JSONLSink appends one JSON line per event to a file and syncs to disk.
type JSONLSink struct {
	file *os.File
	mu   sync.Mutex
}

// OpenJSONL opens (or creates) an append-only JSONL event file.
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("events: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("events: open file: %w", err)
	}
	return &JSONLSink{file: file}, nil
}

// Emit writes the event as a single JSON line. Marshal or write failures are
// swallowed: the sink is diagnostics, never a reason to fail a job.
func (s *JSONLSink) Emit(event string, fields map[string]any) {
	line, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Event:     event,
		Fields:    fields,
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return
	}
	_ = s.file.Sync()
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(string, map[string]any) {}

// Recorded is a single captured event.
type Recorded struct {
	Event  string
	Fields map[string]any
}

// MemorySink captures events in memory for assertions in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Recorded
}

func (s *MemorySink) Emit(event string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.events = append(s.events, Recorded{Event: event, Fields: copied})
}

// Events returns a snapshot of captured events.
func (s *MemorySink) Events() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Recorded, len(s.events))
	copy(out, s.events)
	return out
}

// Named returns captured events matching the given name.
func (s *MemorySink) Named(event string) []Recorded {
	var out []Recorded
	for _, e := range s.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
