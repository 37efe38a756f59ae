// Package notify delivers booking notifications to outside systems.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"rentflow/internal/config"
	"rentflow/internal/domain"

	"github.com/rs/zerolog"
)

// New builds the configured notifier.
func New(cfg config.NotificationsConfig, logger *zerolog.Logger) (domain.Notifier, error) {
	switch cfg.Kind {
	case "", "log":
		return NewLogNotifier(logger), nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("notifications.webhook_url is required for webhook notifier")
		}
		return NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown notifier kind %q", cfg.Kind)
	}
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event string, bookingID int64, payload []byte) error {
	n.logger.Info().
		Str("event", event).
		Int64("booking_id", bookingID).
		RawJSON("payload", payloadOrEmpty(payload)).
		Msg("Notification")
	return nil
}

// WebhookNotifier posts notifications as JSON.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

type webhookBody struct {
	Event     string          `json:"event"`
	BookingID int64           `json:"booking_id"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sent_at"`
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event string, bookingID int64, payload []byte) error {
	data, err := json.Marshal(webhookBody{
		Event:     event,
		BookingID: bookingID,
		Payload:   payloadOrEmpty(payload),
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned http %d", resp.StatusCode)
	}
	return nil
}

func payloadOrEmpty(payload []byte) json.RawMessage {
	if len(payload) == 0 || !json.Valid(payload) {
		return json.RawMessage("{}")
	}
	return payload
}
