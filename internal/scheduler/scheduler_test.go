package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextBoundary(t *testing.T) {
	s := New(Options{Interval: 4 * time.Hour}, zerolog.Nop())

	now := time.Date(2025, 3, 1, 13, 27, 41, 0, time.UTC)
	got := s.nextBoundary(now)
	want := time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("nextBoundary = %v, want %v", got, want)
	}

	// exactly on a boundary advances to the next one
	got = s.nextBoundary(want)
	if !got.Equal(want.Add(4 * time.Hour)) {
		t.Fatalf("nextBoundary on boundary = %v", got)
	}
}

func TestRunImmediatelyFiresOnce(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunImmediately: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, func(context.Context, time.Time) error {
			runs.Add(1)
			cancel()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not return after cancel")
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, func(context.Context, time.Time) error { return nil }); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewPanicsOnBadInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero interval")
		}
	}()
	New(Options{}, zerolog.Nop())
}
