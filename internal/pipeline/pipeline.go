// Package pipeline turns one claimed job into a validated report artifact:
// read the original transcript, call the analyzer, validate the payload, and
// write report.json before the metadata that points at it. A report object
// without metadata is invisible; metadata without its object would surface a
// broken "ready" state, so that order is fixed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/recapio/recap/internal/blob"
	"github.com/recapio/recap/internal/events"
	"github.com/recapio/recap/internal/llm"
	"github.com/recapio/recap/internal/reportschema"
	"github.com/recapio/recap/internal/store"
	"github.com/recapio/recap/internal/taxonomy"
)

// Repo is the slice of the store the processor needs.
type Repo interface {
	GetFileContext(ctx context.Context, fileID string) (*store.FileContext, error)
	SaveReportMetadata(ctx context.Context, fileID, storageKeyReport, promptVersion, schemaVersion string) error
	SaveRawMetadata(ctx context.Context, fileID, storageKeyRaw string) error
}

// Output describes a successfully produced report.
type Output struct {
	ReportKey     string
	PromptVersion string
	SchemaVersion string
}

// Processor runs the report pipeline for claimed jobs.
type Processor struct {
	repo     Repo
	blobs    blob.Store
	analyzer llm.Client
	sink     events.Sink
	log      *zap.Logger
}

// New wires a Processor.
func New(repo Repo, blobs blob.Store, analyzer llm.Client, sink events.Sink, log *zap.Logger) *Processor {
	if sink == nil {
		sink = events.NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{repo: repo, blobs: blobs, analyzer: analyzer, sink: sink, log: log}
}

// Process executes the pipeline for one claimed job. The returned taxonomy
// error carries the retriable flag the finalizer acts on; a nil error means
// the report object and its metadata are both durable.
func (p *Processor) Process(ctx context.Context, job *store.ClaimedJob) (*Output, *taxonomy.Error) {
	fc, err := p.repo.GetFileContext(ctx, job.FileID)
	if errors.Is(err, store.ErrFileNotFound) {
		return nil, taxonomy.Fatal(taxonomy.CodeFileContextNotFound,
			"file row vanished for job "+job.JobID)
	}
	if err != nil {
		return nil, store.DBErrorFrom(err)
	}

	text, err := p.blobs.GetText(ctx, fc.StorageKey)
	if err != nil {
		return nil, readError(err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, taxonomy.Fatal(taxonomy.CodeEmptyTranscript,
			"original transcript is empty after trimming")
	}

	res, err := p.analyzer.Analyze(ctx, llm.Request{
		TranscriptText: text,
		PromptVersion:  reportschema.ActiveReportPromptVersion,
		SchemaVersion:  reportschema.ActiveReportSchemaVersion,
	})
	if err != nil {
		var ce *llm.CallError
		if errors.As(err, &ce) {
			return nil, ce.Taxonomy()
		}
		return nil, taxonomy.FromError(err, taxonomy.CodeLLMCallFailed)
	}

	validation, err := reportschema.Validate(res.Parsed, res.SchemaVersion)
	if err != nil {
		return nil, taxonomy.Fatal(taxonomy.CodeSchemaValidationFailed, err.Error())
	}
	if !validation.OK {
		p.persistRawOutput(ctx, fc, res.RawText)
		return nil, taxonomy.Fatal(taxonomy.CodeSchemaValidationFailed, validation.Summary)
	}

	reportBytes, merr := json.Marshal(res.Parsed)
	if merr != nil {
		return nil, taxonomy.Fatal(taxonomy.CodeSchemaValidationFailed,
			"validated payload failed to marshal: "+merr.Error())
	}
	reportKey := blob.ReportKey(fc.UserID, fc.FileID)
	if err := p.blobs.Put(ctx, reportKey, reportBytes, "application/json"); err != nil {
		return nil, writeError(err)
	}

	if err := p.repo.SaveReportMetadata(ctx, fc.FileID, reportKey,
		res.PromptVersion, res.SchemaVersion); err != nil {
		// Metadata is the source of truth; without it the object must go so
		// a later attempt starts clean.
		if delErr := p.blobs.Delete(ctx, reportKey); delErr != nil {
			p.sink.Emit(events.OrphanReportObject, map[string]any{
				"user_id":     fc.UserID,
				"file_id":     fc.FileID,
				"storage_key": reportKey,
				"error":       taxonomy.Sanitize(delErr.Error()),
			})
		}
		return nil, taxonomy.FromError(err, taxonomy.CodeDBUpdateFailed)
	}

	p.log.Info("report produced",
		zap.String("file_id", fc.FileID),
		zap.String("provider", res.Provider),
		zap.String("model", res.Model),
		zap.String("prompt_version", res.PromptVersion),
		zap.String("schema_version", res.SchemaVersion))

	return &Output{
		ReportKey:     reportKey,
		PromptVersion: res.PromptVersion,
		SchemaVersion: res.SchemaVersion,
	}, nil
}

// persistRawOutput writes the raw model output for diagnostics after a schema
// failure. Best-effort: the job fails with schema_validation_failed no matter
// what happens here.
func (p *Processor) persistRawOutput(ctx context.Context, fc *store.FileContext, raw string) {
	rawKey := blob.RawOutputKey(fc.UserID, fc.FileID)
	if err := p.blobs.Put(ctx, rawKey, []byte(raw), "application/json"); err != nil {
		p.log.Warn("failed to persist raw analyzer output",
			zap.String("file_id", fc.FileID),
			zap.String("error_code", string(taxonomy.CodeS3WriteFailed)),
			zap.Error(err))
		return
	}
	if err := p.repo.SaveRawMetadata(ctx, fc.FileID, rawKey); err != nil {
		p.sink.Emit(events.RawOutputMetadataUpdateFault, map[string]any{
			"user_id":     fc.UserID,
			"file_id":     fc.FileID,
			"storage_key": rawKey,
			"error":       taxonomy.Sanitize(err.Error()),
		})
	}
}

// readError classifies a transcript read failure.
func readError(err error) *taxonomy.Error {
	var se *blob.StoreError
	if errors.As(err, &se) {
		return taxonomy.New(taxonomy.CodeS3ReadFailed, se.Transient(), err.Error())
	}
	return taxonomy.New(taxonomy.CodeS3ReadFailed, taxonomy.TransientNetErr(err), err.Error())
}

// writeError classifies a report write failure.
func writeError(err error) *taxonomy.Error {
	var se *blob.StoreError
	if errors.As(err, &se) {
		return taxonomy.New(taxonomy.CodeS3WriteFailed, se.Transient(), err.Error())
	}
	return taxonomy.New(taxonomy.CodeS3WriteFailed, taxonomy.TransientNetErr(err), err.Error())
}
