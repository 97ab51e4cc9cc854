// Package scheduler runs the periodic settlement jobs. Jobs are registered by
// name so maintenance endpoints and tests can trigger them explicitly; every
// job is safe to run concurrently with itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kazylambist/meteo/internal/metrics"
)

var (
	ErrUnknownJob   = errors.New("scheduler: unknown job")
	ErrDuplicateJob = errors.New("scheduler: job already registered")
)

// Job names.
const (
	JobPublish            = "publish-outcome"
	JobSettleMaturities   = "settle-maturities"
	JobResolveDirectional = "resolve-directional"
	JobResolveHourly      = "resolve-hourly"
	JobLedgerAudit        = "ledger-audit"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Runner wraps a seconds-resolution cron in a fixed location.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context

	mu   sync.RWMutex
	jobs map[string]Job
}

// New creates a runner whose schedules are read in loc. Jobs started by the
// cron receive baseCtx.
func New(baseCtx context.Context, loc *time.Location) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if loc == nil {
		loc = time.UTC
	}
	l := cronLogger{}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		baseCtx: baseCtx,
		jobs:    make(map[string]Job),
	}
}

// Register adds a named job on a six-field cron spec. An empty spec
// registers the job for explicit triggering only.
func (r *Runner) Register(name, spec string, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	if spec != "" {
		if _, err := r.cron.AddFunc(spec, func() { _ = r.run(r.baseCtx, name, job) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
		}
	}
	r.jobs[name] = job
	slog.Info("job registered", "job", name, "spec", spec)
	return nil
}

// Trigger runs a registered job now, on the caller's goroutine.
func (r *Runner) Trigger(ctx context.Context, name string) error {
	r.mu.RLock()
	job, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.run(ctx, name, job)
}

// Jobs returns the registered job names, sorted.
func (r *Runner) Jobs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runner) run(ctx context.Context, name string, job Job) error {
	start := time.Now()
	err := job(ctx)
	elapsed := time.Since(start)
	metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		slog.Error("job failed", "job", name, "duration", elapsed, "err", err)
		return err
	}
	slog.Info("job finished", "job", name, "duration", elapsed)
	return nil
}

// Start begins running scheduled jobs in the background.
func (r *Runner) Start() {
	r.cron.Start()
	slog.Info("scheduler started", "jobs", len(r.cron.Entries()))
}

// Stop halts scheduling and waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
