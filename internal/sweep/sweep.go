// Package sweep runs periodic background passes. The last successful run
// of each sweep is persisted, so a restart resumes the schedule instead of
// running everything again at boot.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fv_sweep_runs_total",
		Help: "Background sweep runs by sweep and outcome.",
	}, []string{"sweep", "outcome"})

	sweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fv_sweep_duration_seconds",
		Help:    "Background sweep run time.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"sweep"})
)

// State persists last-run timestamps; storage.Repository satisfies it.
type State interface {
	GetSweepState(ctx context.Context, name string) (time.Time, error)
	SetSweepState(ctx context.Context, name string, at time.Time) error
}

// Func is one idempotent pass.
type Func func(ctx context.Context) error

type Runner struct {
	name     string
	interval time.Duration
	state    State
	fn       Func
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(name string, interval time.Duration, state State, fn Func, log *zap.Logger) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		state:    state,
		fn:       fn,
		log:      log.With(zap.String("component", "sweep"), zap.String("sweep", name)),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Runner) Name() string { return r.name }

// RunOnce executes the pass and records the run time when it succeeds.
func (r *Runner) RunOnce(ctx context.Context) error {
	const op = "sweep.RunOnce"
	started := r.now()
	err := r.fn(ctx)
	sweepDuration.WithLabelValues(r.name).Observe(time.Since(started).Seconds())
	if err != nil {
		sweepRuns.WithLabelValues(r.name, "error").Inc()
		return fmt.Errorf("%s: %s: %w", op, r.name, err)
	}
	sweepRuns.WithLabelValues(r.name, "ok").Inc()
	if err := r.state.SetSweepState(ctx, r.name, started); err != nil {
		return fmt.Errorf("%s: %s: %w", op, r.name, err)
	}
	return nil
}

// nextDelay is how long to wait before the first run after a start.
func (r *Runner) nextDelay(ctx context.Context) time.Duration {
	last, err := r.state.GetSweepState(ctx, r.name)
	if err != nil {
		r.log.Warn("read last run", zap.Error(err))
		return 0
	}
	if last.IsZero() {
		return 0
	}
	d := last.Add(r.interval).Sub(r.now())
	if d < 0 {
		return 0
	}
	return d
}

// Start schedules the sweep until Stop or ctx ends.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		delay := r.nextDelay(ctx)
		r.log.Info("sweep scheduled", zap.Duration("interval", r.interval), zap.Duration("first_run_in", delay))

		timer := time.NewTimer(delay)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if err := r.RunOnce(ctx); err != nil {
				r.log.Error("sweep failed", zap.Error(err))
			}
			timer.Reset(r.interval)
		}
	}()
}

// Stop cancels the schedule and waits for a running pass to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
