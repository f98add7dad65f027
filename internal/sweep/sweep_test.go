package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"filevault/internal/storage"
)

func TestRunOncePersistsLastRun(t *testing.T) {
	repo := storage.NewMemStorage()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := New("lifecycle", time.Hour, repo, func(context.Context) error { return nil }, zap.NewNop())
	r.now = func() time.Time { return at }
	if err := r.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.GetSweepState(ctx, "lifecycle")
	if !got.Equal(at) {
		t.Errorf("last run = %v, want %v", got, at)
	}
}

func TestFailedRunKeepsLastRun(t *testing.T) {
	repo := storage.NewMemStorage()
	ctx := context.Background()

	r := New("versions", time.Hour, repo, func(context.Context) error { return errors.New("boom") }, zap.NewNop())
	if err := r.RunOnce(ctx); err == nil {
		t.Fatal("expected error")
	}
	got, _ := repo.GetSweepState(ctx, "versions")
	if !got.IsZero() {
		t.Errorf("failed run recorded at %v", got)
	}
}

func TestNextDelay(t *testing.T) {
	repo := storage.NewMemStorage()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := New("s", time.Hour, repo, nil, zap.NewNop())
	r.now = func() time.Time { return now }

	if d := r.nextDelay(ctx); d != 0 {
		t.Errorf("never run: delay = %v", d)
	}
	_ = repo.SetSweepState(ctx, "s", now.Add(-20*time.Minute))
	if d := r.nextDelay(ctx); d != 40*time.Minute {
		t.Errorf("recent run: delay = %v", d)
	}
	_ = repo.SetSweepState(ctx, "s", now.Add(-3*time.Hour))
	if d := r.nextDelay(ctx); d != 0 {
		t.Errorf("overdue: delay = %v", d)
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	repo := storage.NewMemStorage()
	var runs atomic.Int32
	r := New("tick", 10*time.Millisecond, repo, func(context.Context) error {
		runs.Add(1)
		return nil
	}, zap.NewNop())

	r.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	if runs.Load() < 3 {
		t.Fatalf("runs = %d", runs.Load())
	}

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Error("sweep kept running after Stop")
	}
}

func TestStartWaitsForInterval(t *testing.T) {
	repo := storage.NewMemStorage()
	_ = repo.SetSweepState(context.Background(), "slow", time.Now().UTC())
	var runs atomic.Int32
	r := New("slow", time.Hour, repo, func(context.Context) error {
		runs.Add(1)
		return nil
	}, zap.NewNop())

	r.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	if runs.Load() != 0 {
		t.Errorf("ran %d times before the interval elapsed", runs.Load())
	}
}
