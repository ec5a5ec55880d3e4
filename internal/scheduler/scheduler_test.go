package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"cryptoengine/internal/notify"
	"cryptoengine/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMetrics struct {
	runs   atomic.Int64
	errors atomic.Int64
	paused atomic.Bool
}

func (f *fakeMetrics) RecordJobRun(job string, runErr error) {
	f.runs.Add(1)
	if runErr != nil {
		f.errors.Add(1)
	}
}
func (f *fakeMetrics) SetPaused(paused bool) { f.paused.Store(paused) }

func alwaysCanTrade() (bool, types.HaltState, string) {
	return true, types.HaltActive, ""
}

func TestIntervalJobRunsRepeatedly(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	m := &fakeMetrics{}
	s := New(alwaysCanTrade, notify.New(), m, discardLogger())
	s.tickInterval = 5 * time.Millisecond
	s.Register("data_collection", 10*time.Millisecond, false, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if count.Load() < 2 {
		t.Errorf("job ran %d times, want at least 2", count.Load())
	}
	if m.runs.Load() < 2 {
		t.Errorf("metrics recorded %d runs, want at least 2", m.runs.Load())
	}
}

func TestBuyGatedJobSkippedWhenPaused(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	s := New(alwaysCanTrade, notify.New(), &fakeMetrics{}, discardLogger())
	s.tickInterval = 5 * time.Millisecond
	s.Pause()
	s.Register("buy_execution", 10*time.Millisecond, true, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if count.Load() != 0 {
		t.Errorf("buy-gated job ran %d times while paused, want 0", count.Load())
	}
}

func TestBuyGatedJobSkippedWhenHalted(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	halted := func() (bool, types.HaltState, string) { return false, types.HaltedByDailyLimit, "daily loss" }
	s := New(halted, notify.New(), &fakeMetrics{}, discardLogger())
	s.tickInterval = 5 * time.Millisecond
	s.Register("buy_execution", 10*time.Millisecond, true, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if count.Load() != 0 {
		t.Errorf("buy-gated job ran %d times while halted, want 0", count.Load())
	}
}

func TestJobErrorEmitsNotificationAndIncrementsStats(t *testing.T) {
	t.Parallel()
	bus := notify.New()
	sink := notify.NewChannelSink(4)
	bus.Register(sink)

	s := New(alwaysCanTrade, bus, &fakeMetrics{}, discardLogger())
	s.tickInterval = 5 * time.Millisecond
	s.Register("scoring", 10*time.Millisecond, false, func(ctx context.Context) error {
		return errors.New("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	select {
	case evt := <-sink.Events():
		if evt.Kind != notify.KindJobError || evt.Job != "scoring" {
			t.Errorf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("expected a job_error notification")
	}

	stats := s.Stats()
	if len(stats) != 1 || stats[0].ErrorCount == 0 {
		t.Errorf("expected recorded error count, got %+v", stats)
	}
}

func TestSlowJobDoesNotOverlapItself(t *testing.T) {
	t.Parallel()
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	s := New(alwaysCanTrade, notify.New(), &fakeMetrics{}, discardLogger())
	s.tickInterval = 2 * time.Millisecond
	s.Register("slow", 5*time.Millisecond, false, func(ctx context.Context) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if maxConcurrent.Load() > 1 {
		t.Errorf("max concurrent instances = %d, want <= 1", maxConcurrent.Load())
	}
}

func TestParseDailyCronRejectsNonDailyExpressions(t *testing.T) {
	t.Parallel()
	if _, _, err := parseDailyCron("30 0 1 * *"); err == nil {
		t.Fatal("expected error for non-daily cron")
	}
	min, hour, err := parseDailyCron("30 0 * * *")
	if err != nil {
		t.Fatalf("parseDailyCron: %v", err)
	}
	if min != 30 || hour != 0 {
		t.Errorf("parsed (%d, %d), want (30, 0)", min, hour)
	}
}

func TestRegisterDailyCronInvalidExprReturnsError(t *testing.T) {
	t.Parallel()
	s := New(alwaysCanTrade, notify.New(), &fakeMetrics{}, discardLogger())
	err := s.RegisterDailyCron("daily_feedback", "not a cron", time.UTC, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
}
