package application

import (
	"context"
	"time"

	"azure-devops-mcp-server/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds automatic retries of transient remote faults.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewRetryPolicy builds a policy from configuration.
func NewRetryPolicy(cfg domain.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 200 * time.Millisecond
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// newBackOff returns a fresh exponential schedule. BackOff values are
// stateful, so each invocation gets its own.
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx)
}

// Run calls op until it succeeds, fails with a non-transient fault, or the
// attempts are used up. Faults are classified with classify; only
// TransientError is retried, and only when retryable is set. The returned
// error is either the classified *domain.ToolError or the context error.
// attempts reports how many times op ran.
func (p RetryPolicy) Run(
	ctx context.Context,
	retryable bool,
	classify func(error) *domain.ToolError,
	op func(context.Context) (interface{}, error),
	notify func(err *domain.ToolError, attempt int, wait time.Duration),
) (result interface{}, attempts int, err error) {
	operation := func() (interface{}, error) {
		attempts++
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		toolErr := classify(err)
		if !retryable || !toolErr.Kind.Retryable() {
			return nil, backoff.Permanent(toolErr)
		}
		return nil, toolErr
	}

	onRetry := func(err error, wait time.Duration) {
		if notify == nil {
			return
		}
		if toolErr, ok := err.(*domain.ToolError); ok {
			notify(toolErr, attempts, wait)
		}
	}

	result, err = backoff.RetryNotifyWithData(operation, p.newBackOff(ctx), onRetry)
	return result, attempts, err
}
