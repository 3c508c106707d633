package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDoublesToCeiling(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.ReportFailure(); got != w {
			t.Fatalf("failure %d: expected %s, got %s", i+1, w, got)
		}
	}
	if b.Failures() != len(want) {
		t.Fatalf("expected %d failures, got %d", len(want), b.Failures())
	}
}

func TestBackoffResetsOnSuccess(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	b.ReportFailure()
	b.ReportFailure()

	b.ReportSuccess()
	if d := b.Delay(); d != 0 {
		t.Fatalf("expected no delay after success, got %s", d)
	}
	if got := b.ReportFailure(); got != 100*time.Millisecond {
		t.Fatalf("expected reset to minimum, got %s", got)
	}
}

func TestBackoffWaitReturnsOnCancel(t *testing.T) {
	b := NewBackoff(time.Minute, time.Minute)
	b.ReportFailure()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}
