// Package inbox ingests transcripts dropped into a local directory and pushes
// them through the upload enqueuer under a configured owner. Meant for
// backfills and ops one-offs; the watcher is off unless configured.
package inbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/recapio/recap/internal/store"
	"github.com/recapio/recap/internal/upload"
)

// debounceDefault coalesces bursts of file events before ingestion.
const debounceDefault = 200 * time.Millisecond

// maxConcurrentIngests bounds parallel uploads from the inbox.
const maxConcurrentIngests = 2

// maxQueueSize buffers the work queue so a debounce flush never blocks on a
// slow upload.
const maxQueueSize = 200

// pollDefault is the fallback polling interval when fsnotify cannot watch
// the directory (NFS and friends).
const pollDefault = 5 * time.Second

// Uploader is the slice of the enqueuer the watcher needs.
type Uploader interface {
	Upload(ctx context.Context, in upload.Input) (*store.File, error)
}

// Watcher feeds transcript files from a directory into the upload enqueuer.
type Watcher struct {
	dir      string
	owner    string
	uploader Uploader
	log      *zap.Logger
	debounce time.Duration

	// suffix of files moved aside after ingestion.
	doneSuffix string
}

// New creates a watcher over dir that ingests for the given owner id.
func New(dir, owner string, uploader Uploader, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		dir:        dir,
		owner:      owner,
		uploader:   uploader,
		log:        log,
		debounce:   debounceDefault,
		doneSuffix: ".done",
	}
}

// Run ingests existing files, then watches for new ones until ctx is
// canceled. Falls back to polling when fsnotify cannot watch the directory.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.scanExisting(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(w.dir)
	}
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling inbox", zap.Error(err))
		if watcher != nil {
			_ = watcher.Close()
		}
		return w.poll(ctx)
	}
	defer func() { _ = watcher.Close() }()

	// ready collects paths that passed debounce; one timer resets on each
	// event and flushes the whole batch when it fires.
	var mu sync.Mutex
	ready := make(map[string]bool)

	queue := make(chan string, maxQueueSize)

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrentIngests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range queue {
				w.ingest(ctx, path)
			}
		}()
	}

	flush := func() {
		mu.Lock()
		batch := make([]string, 0, len(ready))
		for p := range ready {
			batch = append(batch, p)
		}
		ready = make(map[string]bool)
		mu.Unlock()

		for _, p := range batch {
			select {
			case queue <- p:
			case <-ctx.Done():
				return
			}
		}
	}

	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()

	defer func() {
		debounceTimer.Stop()
		close(queue)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounceTimer.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Files moved into the directory arrive as Create. Rename fires
			// for the OLD name, including our own post-ingest .done rename,
			// so matching it would re-queue every file just ingested.
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !isTranscript(event.Name) {
				continue
			}

			mu.Lock()
			ready[event.Name] = true
			mu.Unlock()

			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("inbox watch error", zap.Error(err))
		}
	}
}

// poll scans the directory on a fixed interval.
func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(pollDefault)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = w.scanExisting(ctx)
		}
	}
}

// scanExisting ingests every transcript already present. Handles files that
// arrived while the service was down.
func (w *Watcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if isTranscript(path) {
			w.ingest(ctx, path)
		}
	}
	return nil
}

// ingest uploads one file and renames it aside so it is never picked up
// twice. A failed upload leaves the file in place for the next scan.
func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("inbox read failed", zap.String("path", filepath.Base(path)), zap.Error(err))
		return
	}

	f, err := w.uploader.Upload(ctx, upload.Input{
		UserID:   w.owner,
		Filename: filepath.Base(path),
		Data:     data,
	})
	if err != nil {
		w.log.Warn("inbox upload failed",
			zap.String("path", filepath.Base(path)), zap.Error(err))
		return
	}

	if err := os.Rename(path, path+w.doneSuffix); err != nil {
		w.log.Warn("inbox rename failed",
			zap.String("path", filepath.Base(path)), zap.Error(err))
	}
	w.log.Info("inbox file ingested",
		zap.String("path", filepath.Base(path)), zap.String("file_id", f.ID))
}

// isTranscript matches the upload allowlist and skips partial writes and
// already-ingested files.
func isTranscript(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".done") {
		return false
	}
	return strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".vtt")
}
