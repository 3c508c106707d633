package resilience

import (
	"context"

	"docflow/internal/ratelimit"
)

// Gate is the single admission path for calls into the extraction service:
// consecutive-failure backoff first, then a rate-limit token, then the call
// itself under the operation's circuit breaker.
type Gate struct {
	limiter  *ratelimit.Limiter
	backoff  *ratelimit.Backoff
	executor *Executor
	observe  func(operation string, err error)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithCallObserver receives the outcome of every attempt that reached the service.
func WithCallObserver(fn func(operation string, err error)) GateOption {
	return func(g *Gate) {
		g.observe = fn
	}
}

func NewGate(limiter *ratelimit.Limiter, backoff *ratelimit.Backoff, executor *Executor, opts ...GateOption) *Gate {
	g := &Gate{limiter: limiter, backoff: backoff, executor: executor}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn with the executor's retry budget.
func (g *Gate) Do(ctx context.Context, operation string, fn func(context.Context) error, classifier ErrorClassifier) error {
	return g.executor.Execute(ctx, operation, g.admit(operation, fn, classifier), classifier)
}

// Once runs fn a single time through the same admission path.
func (g *Gate) Once(ctx context.Context, operation string, fn func(context.Context) error, classifier ErrorClassifier) error {
	return g.executor.ExecuteAttempts(ctx, operation, 1, g.admit(operation, fn, classifier), classifier)
}

func (g *Gate) admit(operation string, fn func(context.Context) error, classifier ErrorClassifier) func(context.Context) error {
	if classifier == nil {
		classifier = defaultClassifier
	}
	return func(ctx context.Context) error {
		if err := g.backoff.Wait(ctx); err != nil {
			return err
		}
		if err := g.limiter.Acquire(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if g.observe != nil {
			g.observe(operation, err)
		}
		switch {
		case err == nil:
			g.backoff.ReportSuccess()
		case classifier(err).Retryable:
			g.backoff.ReportFailure()
		}
		return err
	}
}
