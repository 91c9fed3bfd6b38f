package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/recapio/recap/internal/blob"
	"github.com/recapio/recap/internal/config"
	"github.com/recapio/recap/internal/events"
	"github.com/recapio/recap/internal/store"
)

// app holds the shared wiring the serve and worker commands both need.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	st    *store.Store
	blobs blob.Store
	sink  events.Sink

	jsonl *events.JSONLSink
}

// buildApp loads configuration and connects the shared backends.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	st, err := store.New(ctx, store.Config{
		DatabaseURL:      cfg.DatabaseURL,
		StatementTimeout: cfg.StatementTimeout(),
	}, nil)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.New(ctx, blob.Config{
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		Bucket:          cfg.S3.Bucket,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, log: log, st: st, blobs: blobs, sink: events.NopSink{}}
	if cfg.EventsPath != "" {
		jsonl, err := events.OpenJSONL(cfg.EventsPath)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.jsonl = jsonl
		a.sink = jsonl
	}
	return a, nil
}

func (a *app) close() {
	if a.jsonl != nil {
		_ = a.jsonl.Close()
	}
	a.st.Close()
	_ = a.log.Sync()
}
