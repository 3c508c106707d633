package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
)

func TestClassifyNATSError(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
		record    bool
	}{
		{context.Canceled, false, false},
		{fmt.Errorf("nats publish: %w", nats.ErrTimeout), true, true},
		{nats.ErrNoServers, true, true},
		{nats.ErrConnectionClosed, true, true},
		{errors.New("nats: invalid subject"), false, true},
	}
	for _, tt := range tests {
		got := classifyNATSError(tt.err)
		if got.Retryable != tt.retryable || got.RecordFailure != tt.record {
			t.Errorf("classifyNATSError(%v): expected retryable=%v record=%v, got %+v", tt.err, tt.retryable, tt.record, got)
		}
	}
	if got := classifyNATSError(nil); got.Retryable || got.RecordFailure {
		t.Fatalf("expected zero classification for nil, got %+v", got)
	}
}
