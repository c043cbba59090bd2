// Package runner executes report pipelines in the background. A small worker
// pool drains a queue fed by the API and by a poll loop that picks up reports
// left in pending or processing by a previous process. A watchdog fails runs
// that stopped heartbeating.
package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sparlo/internal/domain"
	"sparlo/internal/engine"
)

type Runner struct {
	Engine       engine.Engine
	Log          *zap.Logger
	Workers      int
	PollInterval time.Duration

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
}

func New(eng engine.Engine, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	workers := eng.Config.Runner.Workers
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		Engine:       eng,
		Log:          log,
		Workers:      workers,
		PollInterval: 2 * time.Second,
		queue:        make(chan string, 64),
		running:      map[string]bool{},
	}
}

// Start launches the workers, the pickup poller, and the watchdog. They all
// stop when ctx is cancelled; Wait blocks until in-flight runs return.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.wg.Add(2)
	go r.pickupLoop(ctx)
	go r.watchdogLoop(ctx)
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

// Enqueue hands a report to the pool without blocking; a full queue is fine
// because the pickup loop will find the report anyway.
func (r *Runner) Enqueue(reportID string) {
	select {
	case r.queue <- reportID:
	default:
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			if !r.claim(id) {
				continue
			}
			if err := r.Engine.RunPipeline(ctx, id); err != nil && ctx.Err() == nil {
				r.Log.Warn("pipeline run ended with error",
					zap.String("report_id", id),
					zap.Error(err),
				)
			}
			r.release(id)
		}
	}
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] {
		return false
	}
	r.running[id] = true
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

// pickupLoop enqueues reports in runnable statuses. On the first pass this is
// crash recovery: reports a previous process left in processing resume from
// their last recorded stage.
func (r *Runner) pickupLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		r.pickup(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) pickup(ctx context.Context) {
	for _, status := range []string{domain.StatusProcessing, domain.StatusPending} {
		ids, err := r.Engine.Repo.ReportsInStatus(ctx, status)
		if err != nil {
			if ctx.Err() == nil {
				r.Log.Warn("pickup query failed", zap.Error(err))
			}
			return
		}
		for _, id := range ids {
			r.Enqueue(id)
		}
	}
}

// watchdogLoop sweeps reports stuck in processing past the deadline to error,
// which frees their budget reservations.
func (r *Runner) watchdogLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.Engine.Config.WatchdogInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.Engine.Config.StuckAfter()).Format(time.RFC3339)
	ids, err := r.Engine.Repo.StaleProcessing(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			r.Log.Warn("watchdog query failed", zap.Error(err))
		}
		return
	}
	for _, id := range ids {
		if r.isRunning(id) {
			continue
		}
		if _, err := r.Engine.MarkStuck(ctx, id); err != nil {
			r.Log.Warn("watchdog could not fail report",
				zap.String("report_id", id),
				zap.Error(err),
			)
			continue
		}
		r.Log.Warn("watchdog failed stuck report", zap.String("report_id", id))
	}
}

func (r *Runner) isRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[id]
}
