// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs runs periodic background work under the full resilience stack.
//
// # Description
//
// Every run of a job passes through the control plane primitives in a fixed
// order:
//
//	budget.Create ─► execlock (key "job:<name>") ─► watchdog.Run
//	    ─► supervisor.RunCycle (entity = job name) ─► breaker.Execute ─► Job.Run
//
// A run that cannot take the lock is skipped, which is how two replicas
// sharing a Postgres advisory lock store avoid running the same job at once.
// A job that hangs without calling beat is reported as heartbeat loss and,
// past the restart threshold, quarantined. A failing dependency trips the
// job's breaker so later runs fail fast until the reset timeout elapses.
//
// Runs are scheduled with a fixed delay after the previous run finishes, so
// runs of one job never overlap within a process.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/warden/pkg/validation"
	"github.com/AleutianAI/warden/services/control/breaker"
	"github.com/AleutianAI/warden/services/control/budget"
	"github.com/AleutianAI/warden/services/control/clock"
	"github.com/AleutianAI/warden/services/control/execlock"
	"github.com/AleutianAI/warden/services/control/observability"
	"github.com/AleutianAI/warden/services/control/supervisor"
)

const meterName = "github.com/AleutianAI/warden/services/control/jobs"

// Errors returned by Register and RunOnce.
var (
	ErrInvalidJob   = errors.New("invalid job")
	ErrDuplicateJob = errors.New("job already registered")
	ErrUnknownJob   = errors.New("unknown job")
	ErrRunning      = errors.New("runner already started")
)

// Outcome classifies one run.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeError          Outcome = "error"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
	OutcomeCircuitOpen    Outcome = "circuit_open"
)

// Job is a unit of periodic work.
type Job struct {
	// Name identifies the job. It is the lock key suffix, the supervised
	// entity and the default breaker name.
	Name string

	// Interval is the delay between the end of one run and the start of
	// the next. Must be positive.
	Interval time.Duration

	// Breaker names the circuit breaker guarding Run. Default: Name.
	Breaker string

	// Run does the work. Long runs call beat to prove liveness.
	Run func(ctx context.Context, beat func()) error
}

// Result describes one run.
type Result struct {
	Job      string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// RunnerConfig holds the dependencies of a Runner. All fields except
// Metrics, MeterProvider, Source and Logger are required.
type RunnerConfig struct {
	Watchdog   *budget.Watchdog
	Locker     *execlock.Locker
	Supervisor *supervisor.Supervisor
	Breakers   *breaker.Registry

	// Metrics counts runs by outcome. Optional.
	Metrics *observability.Metrics

	// MeterProvider records the run duration histogram.
	// Default: otel.GetMeterProvider().
	MeterProvider metric.MeterProvider

	// Source schedules runs. Default: clock.Real().
	Source clock.Source

	Logger *slog.Logger
}

// Runner schedules and executes jobs.
//
// # Thread Safety
//
// Safe for concurrent use.
type Runner struct {
	watchdog   *budget.Watchdog
	locker     *execlock.Locker
	supervisor *supervisor.Supervisor
	breakers   *breaker.Registry
	metrics    *observability.Metrics
	duration   metric.Float64Histogram
	source     clock.Source
	logger     *slog.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	order   []string
	cancels map[string]clock.CancelFunc
	running bool
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Watchdog == nil || cfg.Locker == nil || cfg.Supervisor == nil || cfg.Breakers == nil {
		return nil, errors.New("jobs: watchdog, locker, supervisor and breakers are required")
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	duration, err := cfg.MeterProvider.Meter(meterName).Float64Histogram(
		"warden.jobs.duration",
		metric.WithDescription("Duration of scheduled job runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	return &Runner{
		watchdog:   cfg.Watchdog,
		locker:     cfg.Locker,
		supervisor: cfg.Supervisor,
		breakers:   cfg.Breakers,
		metrics:    cfg.Metrics,
		duration:   duration,
		source:     clock.OrReal(cfg.Source),
		logger:     cfg.Logger.With(slog.String("component", "jobs")),
		jobs:       make(map[string]Job),
		cancels:    make(map[string]clock.CancelFunc),
	}, nil
}

// Register adds a job. Jobs registered after Start are scheduled at once.
func (r *Runner) Register(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 {
		return fmt.Errorf("%w: name, run and a positive interval are required", ErrInvalidJob)
	}
	if job.Breaker == "" {
		job.Breaker = job.Name
	}
	if err := validation.ValidateNames([]string{job.Name, job.Breaker}); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	r.jobs[job.Name] = job
	r.order = append(r.order, job.Name)
	if r.running {
		r.scheduleLocked(job.Name, 0)
	}
	return nil
}

// Jobs returns the registered job names in registration order.
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Start schedules an immediate first run of every job. Runs stop when ctx
// is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunning
	}
	r.running = true
	r.ctx, r.stop = context.WithCancel(ctx)

	r.logger.Info("job runner starting", slog.Int("jobs", len(r.order)))
	for _, name := range r.order {
		r.scheduleLocked(name, 0)
	}
	return nil
}

// Stop cancels pending runs and waits for in-flight runs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.stop()
	for name, cancel := range r.cancels {
		cancel()
		delete(r.cancels, name)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("job runner stopped")
}

// RunOnce executes job name immediately, outside the schedule.
func (r *Runner) RunOnce(ctx context.Context, name string) (Result, error) {
	r.mu.Lock()
	job, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.execute(ctx, job), nil
}

// scheduleLocked must be called with mu held.
func (r *Runner) scheduleLocked(name string, delay time.Duration) {
	r.cancels[name] = r.source.Schedule(delay, func() { r.fire(name) })
}

func (r *Runner) fire(name string) {
	r.mu.Lock()
	if !r.running || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	job := r.jobs[name]
	ctx := r.ctx
	delete(r.cancels, name)
	r.wg.Add(1)
	r.mu.Unlock()

	r.execute(ctx, job)

	r.mu.Lock()
	if r.running && ctx.Err() == nil {
		r.scheduleLocked(name, job.Interval)
	}
	r.mu.Unlock()
	r.wg.Done()
}

// execute runs job once through the full stack.
func (r *Runner) execute(ctx context.Context, job Job) Result {
	started := r.source.Now()
	b := r.watchdog.Create()
	ctx = budget.WithBudget(ctx, b)

	var err error
	ran := false
	if err = r.watchdog.AssertAvailable(b); err == nil {
		cb := r.breakers.Get(job.Breaker)
		ran, err = r.locker.WithLock(ctx, "job:"+job.Name, func(ctx context.Context) error {
			return r.watchdog.Run(ctx, b, "job."+job.Name, func(ctx context.Context) error {
				return r.supervisor.RunCycle(ctx, job.Name, supervisor.CycleOptions{Category: "job"},
					func(ctx context.Context, beat func()) error {
						return cb.Execute(ctx, func(ctx context.Context) error {
							return job.Run(ctx, beat)
						})
					})
			})
		})
	}

	res := Result{
		Job:      job.Name,
		Outcome:  classify(ran, err),
		Err:      err,
		Duration: r.source.Since(started),
	}
	r.record(ctx, res)
	return res
}

func classify(ran bool, err error) Outcome {
	switch {
	case errors.Is(err, budget.ErrBudgetExceeded):
		return OutcomeBudgetExceeded
	case errors.Is(err, breaker.ErrCircuitOpen):
		return OutcomeCircuitOpen
	case err != nil:
		return OutcomeError
	case !ran:
		return OutcomeSkipped
	default:
		return OutcomeOK
	}
}

func (r *Runner) record(ctx context.Context, res Result) {
	if r.metrics != nil {
		r.metrics.ObserveJob(res.Job, string(res.Outcome))
	}
	r.duration.Record(context.WithoutCancel(ctx), res.Duration.Seconds(),
		metric.WithAttributes(
			attribute.String("job", res.Job),
			attribute.String("outcome", string(res.Outcome)),
		))

	switch res.Outcome {
	case OutcomeOK:
		r.logger.Debug("job run completed",
			slog.String("job", res.Job),
			slog.Duration("duration", res.Duration))
	case OutcomeSkipped:
		r.logger.Debug("job run skipped, lock held elsewhere", slog.String("job", res.Job))
	default:
		r.logger.Warn("job run failed",
			slog.String("job", res.Job),
			slog.String("outcome", string(res.Outcome)),
			slog.String("error", res.Err.Error()),
			slog.Duration("duration", res.Duration))
	}
}
