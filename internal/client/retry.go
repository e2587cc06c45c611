package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/modelbridge/modelbridge/internal/provider"
	"github.com/modelbridge/modelbridge/pkg/model"
)

// retryPolicy bounds re-attempts of a single adapter operation. The delay
// between attempts grows exponentially with randomized jitter; the timeout
// clock starts fresh on every attempt.
type retryPolicy struct {
	maxAttempts int
	timeout     time.Duration
}

// retryChat re-attempts a unary call on retryable failures. Client errors
// pass through unchanged on first occurrence; exhausting attempts on a
// retryable error yields RetryLimit carrying the last observed status.
func retryChat(ctx context.Context, p provider.Provider, req *model.ChatRequest, pol retryPolicy) (*model.ChatResponse, error) {
	attempts := 0
	lastStatus := 0

	op := func() (*model.ChatResponse, error) {
		attempts++
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if pol.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, pol.timeout)
		}
		resp, err := p.Chat(attemptCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		return nil, classify(ctx, err, pol.timeout, &lastStatus)
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(pol.maxAttempts)),
	)
	if err != nil {
		if model.IsRetryable(err) {
			return nil, model.NewRetryLimit(attempts, lastStatus)
		}
		return nil, err
	}
	return resp, nil
}

// streamHandle couples an established stream with the cancel releasing its
// per-attempt context. The consumer must call cancel once the stream ends.
type streamHandle struct {
	ch     <-chan provider.StreamItem
	cancel context.CancelFunc
}

// retryStream re-attempts stream establishment only; items of an established
// stream are never retried. The per-attempt deadline covers the whole
// exchange, however many bytes have arrived.
func retryStream(ctx context.Context, p provider.Provider, req *model.ChatRequest, pol retryPolicy) (streamHandle, error) {
	attempts := 0
	lastStatus := 0

	op := func() (streamHandle, error) {
		attempts++
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if pol.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, pol.timeout)
		}
		ch, err := p.ChatStream(attemptCtx, req)
		if err != nil {
			cancel()
			return streamHandle{}, classify(ctx, err, pol.timeout, &lastStatus)
		}
		return streamHandle{ch: ch, cancel: cancel}, nil
	}

	handle, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(pol.maxAttempts)),
	)
	if err != nil {
		if model.IsRetryable(err) {
			return streamHandle{}, model.NewRetryLimit(attempts, lastStatus)
		}
		return streamHandle{}, err
	}
	return handle, nil
}

// classify normalizes a per-attempt deadline hit into a Timeout, records the
// last observed HTTP status, and marks non-retryable errors permanent so the
// backoff loop stops immediately.
func classify(parent context.Context, err error, timeout time.Duration, lastStatus *int) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		te := model.NewTimeout(timeout)
		te.Cause = err
		err = te
	}
	if status, ok := model.StatusCode(err); ok {
		*lastStatus = status
	}
	if !model.IsRetryable(err) {
		return backoff.Permanent(err)
	}
	return err
}
