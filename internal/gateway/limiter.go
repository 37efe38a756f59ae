package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles calls to the wrapped gateway.
type Limited struct {
	inner   Gateway
	limiter *rate.Limiter
}

func NewLimited(inner Gateway, rps float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *Limited) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(OpAuthorize, err)
	}
	return l.inner.Authorize(ctx, req)
}

func (l *Limited) Capture(ctx context.Context, intentID string, amountCents int64, idempotencyKey string) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(OpCapture, err)
	}
	return l.inner.Capture(ctx, intentID, amountCents, idempotencyKey)
}

func (l *Limited) Void(ctx context.Context, intentID, idempotencyKey string) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(OpVoid, err)
	}
	return l.inner.Void(ctx, intentID, idempotencyKey)
}

func (l *Limited) GetIntentStatus(ctx context.Context, intentID string) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(OpStatus, err)
	}
	return l.inner.GetIntentStatus(ctx, intentID)
}
