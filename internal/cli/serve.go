package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/recapio/recap/internal/httpapi"
	"github.com/recapio/recap/internal/inbox"
	"github.com/recapio/recap/internal/reports"
	"github.com/recapio/recap/internal/upload"
)

var serveEnsureSchema bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveEnsureSchema, "ensure-schema", false,
		"Apply the embedded database schema before serving (dev only)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves transcript uploads and report reads. Processing is done by worker processes; serve only enqueues and reads.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if serveEnsureSchema {
		if err := a.st.Ensure(ctx); err != nil {
			return err
		}
	}

	enqueuer := upload.New(a.st, a.blobs, a.cfg.S3.Bucket, a.sink, a.log)
	reader := reports.New(a.st, a.blobs, a.sink, a.log)
	api := httpapi.New(enqueuer, reader, a.st, a.log)

	if a.cfg.Inbox.Dir != "" {
		watcher := inbox.New(a.cfg.Inbox.Dir, a.cfg.Inbox.Owner, enqueuer, a.log)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				a.log.Error("inbox watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http api listening", zap.String("addr", a.cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down http api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
