package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errQuota = errors.New("429 quota exceeded")

func quotaRetryable(err error) ErrorClassification {
	return ErrorClassification{Retryable: errors.Is(err, errQuota), RecordFailure: true}
}

func TestExtractionConfigKeepsDeploymentBackoff(t *testing.T) {
	cfg := ExtractionConfig(0, 2*time.Second, time.Second, false)
	if cfg.RetryMaxAttempts != DefaultSubmitAttempts {
		t.Fatalf("expected default attempts, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryInitialBackoff != 2*time.Second || cfg.RetryMaxBackoff != 2*time.Second {
		t.Fatalf("expected the ceiling raised to the floor, got %+v", cfg)
	}
	if cfg.BreakerEnabled {
		t.Fatal("expected the breaker to stay disabled")
	}
}

func TestStoreWriteConfigHasNoBreaker(t *testing.T) {
	cfg := StoreWriteConfig(3, 5*time.Millisecond)
	if cfg.BreakerEnabled {
		t.Fatal("store writes must not be short-circuited")
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryMaxBackoff != 50*time.Millisecond {
		t.Fatalf("unexpected policy %+v", cfg)
	}
}

func TestExecuteAttemptsOverridesBudget(t *testing.T) {
	exec := NewExecutor(StoreWriteConfig(5, time.Millisecond))

	calls := 0
	err := exec.ExecuteAttempts(context.Background(), "poll", 1, func(context.Context) error {
		calls++
		return errQuota
	}, quotaRetryable)
	if !errors.Is(err, errQuota) {
		t.Fatalf("expected the quota error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestBreakerIsolatesOperations(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    1,
		RetryInitialBackoff: time.Millisecond,
		BreakerEnabled:      true,
		BreakerMinRequests:  2,
		BreakerFailureRatio: 0.5,
		BreakerOpenTimeout:  time.Minute,
	})
	ctx := context.Background()
	failing := func(context.Context) error { return errQuota }

	for i := 0; i < 2; i++ {
		_ = exec.Execute(ctx, "poll", failing, quotaRetryable)
	}
	if err := exec.Execute(ctx, "poll", failing, quotaRetryable); !IsCircuitOpen(err) {
		t.Fatalf("expected the poll breaker to be open, got %v", err)
	}

	if err := exec.Execute(ctx, "submit", func(context.Context) error { return nil }, quotaRetryable); err != nil {
		t.Fatalf("expected submits to pass while polls are tripped, got %v", err)
	}
}

func TestPermanentFailureDoesNotTrip(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:   1,
		BreakerEnabled:     true,
		BreakerMinRequests: 1,
	})
	invalid := errors.New("invalid document")
	healthy := func(error) ErrorClassification { return ErrorClassification{} }

	for i := 0; i < 3; i++ {
		err := exec.Execute(context.Background(), "submit", func(context.Context) error { return invalid }, healthy)
		if !errors.Is(err, invalid) {
			t.Fatalf("attempt %d: expected the document error, got %v", i, err)
		}
	}
}
