// Package gateway talks to the card processor that authorizes, captures and
// voids deposit holds.
package gateway

import (
	"context"
	"fmt"
	"time"

	"rentflow/internal/config"

	"github.com/rs/zerolog"
)

// Operation names, used for metrics and fault injection.
const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
	OpVoid      = "void"
	OpStatus    = "status"
)

// AuthorizeRequest asks the processor to hold funds on a payment method.
type AuthorizeRequest struct {
	AmountCents     int64  `json:"amount_cents"`
	PaymentMethodID string `json:"payment_method_id"`
	IdempotencyKey  string `json:"-"`
	Description     string `json:"description,omitempty"`
}

// Gateway is the payment processor contract. Every mutating call carries a
// caller-supplied idempotency key so retries of one logical attempt are safe.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error)
	Capture(ctx context.Context, intentID string, amountCents int64, idempotencyKey string) (*Result, error)
	Void(ctx context.Context, intentID, idempotencyKey string) (*Result, error)
	GetIntentStatus(ctx context.Context, intentID string) (*Result, error)
}

// New builds the configured gateway, rate limited when RPS is set.
func New(cfg config.GatewayConfig, logger *zerolog.Logger) (Gateway, error) {
	var gw Gateway
	switch cfg.Kind {
	case "", "fake":
		logger.Warn().Msg("Using in-memory fake payment gateway")
		gw = NewFake()
	case "http":
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		gw = NewHTTPClient(cfg.BaseURL, cfg.APIKey, timeout)
	default:
		return nil, fmt.Errorf("unknown gateway kind %q", cfg.Kind)
	}

	if cfg.RPS > 0 {
		gw = NewLimited(gw, cfg.RPS, cfg.Burst)
	}
	return gw, nil
}
