package ai

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type retryingCaller struct {
	next     ToolCaller
	attempts int
	backoff  time.Duration
}

// WithRetry retries transport failures and 429/5xx answers up to
// maxRetries extra times, sleeping backoff*attempt between tries.
func WithRetry(next ToolCaller, maxRetries int, backoff time.Duration) ToolCaller {
	if maxRetries <= 0 {
		return next
	}
	return &retryingCaller{next: next, attempts: maxRetries + 1, backoff: backoff}
}

func (r *retryingCaller) CallTool(ctx context.Context, req ToolCallRequest) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		out, err := r.next.CallTool(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) || attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.backoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNoToolCall) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return false
	}
	return true
}
