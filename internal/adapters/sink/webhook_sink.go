package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/resilience"
)

// WebhookSink posts the alert event as JSON to a configured endpoint.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookSink creates a new webhook alert sink
func NewWebhookSink(url string, timeout time.Duration, logger *zap.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (s *WebhookSink) Name() string {
	return "webhook"
}

// Deliver posts the event. Failures are classified so the dispatcher's
// retry budget is spent only on conditions that can clear up.
func (s *WebhookSink) Deliver(ctx context.Context, event *core.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return resilience.Terminal(fmt.Errorf("failed to encode alert: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return resilience.Terminal(fmt.Errorf("failed to build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return resilience.Transient(fmt.Errorf("webhook request failed: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.logger.Debug("Alert posted to webhook",
			zap.String("alert_id", event.ID),
			zap.Int("status", resp.StatusCode))
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return resilience.RateLimited(fmt.Errorf("webhook rate limited"), 0)
	case resp.StatusCode >= 500:
		return resilience.Transient(fmt.Errorf("webhook returned %d", resp.StatusCode))
	default:
		return resilience.Terminal(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}
