// Package worker runs the claim/process/finalize loop. A pool of slots polls
// the queue; each claimed job gets a heartbeat goroutine extending the lease
// at a third of its TTL. Losing the lease cancels the processor's context and
// the job is abandoned without finalizing: whoever reclaimed it owns the
// outcome now.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/recapio/recap/internal/clock"
	"github.com/recapio/recap/internal/pipeline"
	"github.com/recapio/recap/internal/store"
	"github.com/recapio/recap/internal/taxonomy"
)

// Defaults for pool configuration.
const (
	DefaultConcurrency  = 2
	DefaultPollInterval = time.Second
)

// Queue is the slice of the store the pool needs.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*store.ClaimedJob, error)
	Heartbeat(ctx context.Context, jobID, workerID string) error
	FinalizeSuccess(ctx context.Context, jobID, fileID, workerID, storageKeyReport, promptVersion, schemaVersion string) error
	FinalizeFailure(ctx context.Context, jobID, fileID, workerID string, ferr *taxonomy.Error, rnd clock.Rand) (*store.FailureOutcome, error)
}

// Processor turns a claimed job into a report.
type Processor interface {
	Process(ctx context.Context, job *store.ClaimedJob) (*pipeline.Output, *taxonomy.Error)
}

// Config parameterizes the pool.
type Config struct {
	// WorkerID identifies this process in job leases. Empty defaults to
	// hostname:pid.
	WorkerID string

	Concurrency  int
	PollInterval time.Duration
}

// DefaultWorkerID returns hostname:pid.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Pool runs concurrent claim slots against a shared queue.
type Pool struct {
	queue Queue
	proc  Processor
	cfg   Config
	rnd   clock.Rand
	log   *zap.Logger
}

// New wires a Pool, applying defaults for zero config values.
func New(queue Queue, proc Processor, cfg Config, rnd clock.Rand, log *zap.Logger) *Pool {
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if rnd == nil {
		rnd = clock.NewRand()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{queue: queue, proc: proc, cfg: cfg, rnd: rnd, log: log}
}

// Run blocks until ctx is canceled. Cancellation stops new claims; in-flight
// jobs run to completion (or lose their lease) before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting",
		zap.String("worker_id", p.cfg.WorkerID),
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, slot)
		}(i)
	}
	wg.Wait()

	p.log.Info("worker pool stopped", zap.String("worker_id", p.cfg.WorkerID))
	return nil
}

// runSlot claims and processes jobs until ctx is canceled.
func (p *Pool) runSlot(ctx context.Context, slot int) {
	log := p.log.With(zap.Int("slot", slot), zap.String("worker_id", p.cfg.WorkerID))
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Claim(ctx, p.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("claim failed", zap.Error(err))
			if !p.sleep(ctx) {
				return
			}
			continue
		}
		if job == nil {
			if !p.sleep(ctx) {
				return
			}
			continue
		}
		p.runJob(log, job)
	}
}

// sleep waits one poll interval; returns false when ctx was canceled.
func (p *Pool) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(p.cfg.PollInterval):
		return true
	}
}

// runJob processes one claimed job and finalizes the outcome. The job context
// is detached from the pool context so shutdown lets in-flight work finish;
// only lease loss cancels it.
func (p *Pool) runJob(log *zap.Logger, job *store.ClaimedJob) {
	log = log.With(zap.String("job_id", job.JobID), zap.String("file_id", job.FileID),
		zap.Int("attempt", job.Attempts))
	log.Info("job claimed")

	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leaseLost := make(chan struct{})
	hbDone := make(chan struct{})
	go p.heartbeat(jobCtx, log, job, cancel, leaseLost, hbDone)

	out, perr := p.proc.Process(jobCtx, job)

	cancel()
	<-hbDone

	select {
	case <-leaseLost:
		// Another worker owns this job now; finalizing would race it.
		log.Warn("lease lost, abandoning job")
		return
	default:
	}

	finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finalizeCancel()

	if perr == nil {
		err := p.queue.FinalizeSuccess(finalizeCtx, job.JobID, job.FileID, p.cfg.WorkerID,
			out.ReportKey, out.PromptVersion, out.SchemaVersion)
		switch {
		case errors.Is(err, store.ErrLeaseLost):
			log.Warn("lease lost at finalize")
		case err != nil:
			// The lease TTL will surface this job again; re-running is safe.
			log.Error("finalize success failed", zap.Error(err))
		default:
			log.Info("job succeeded")
		}
		return
	}

	outcome, err := p.queue.FinalizeFailure(finalizeCtx, job.JobID, job.FileID, p.cfg.WorkerID, perr, p.rnd)
	switch {
	case errors.Is(err, store.ErrLeaseLost):
		log.Warn("lease lost at finalize")
	case err != nil:
		log.Error("finalize failure failed", zap.Error(err))
	case outcome.Rescheduled:
		log.Info("job rescheduled",
			zap.String("error_code", string(perr.Code)),
			zap.Int64("next_run_at", outcome.NextRunAt))
	default:
		log.Info("job failed terminally", zap.String("error_code", string(perr.Code)))
	}
}

// heartbeat extends the lease at a third of its TTL until hbCtx is canceled.
// A lost lease cancels the processor and closes leaseLost.
func (p *Pool) heartbeat(hbCtx context.Context, log *zap.Logger, job *store.ClaimedJob,
	cancelJob context.CancelFunc, leaseLost chan struct{}, done chan struct{}) {
	defer close(done)

	interval := time.Duration(job.LockTTLSeconds) * time.Second / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-hbCtx.Done():
			return
		case <-ticker.C:
		}

		err := p.queue.Heartbeat(hbCtx, job.JobID, p.cfg.WorkerID)
		if errors.Is(err, store.ErrLeaseLost) {
			close(leaseLost)
			cancelJob()
			return
		}
		if err != nil {
			// Transient heartbeat trouble is survivable as long as one
			// refresh lands inside the TTL.
			log.Warn("heartbeat failed", zap.Error(err))
		}
	}
}
