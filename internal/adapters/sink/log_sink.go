package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/core"
)

// LogSink writes alerts to the structured log. It never fails, which
// makes it a safe required sink for deployments without an external
// alerting endpoint.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new log alert sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Deliver(ctx context.Context, event *core.AlertEvent) error {
	s.logger.Warn("Phishing alert",
		zap.String("alert_id", event.ID),
		zap.String("resource_id", event.ResourceID),
		zap.String("message_id", event.MessageID),
		zap.String("from", event.From),
		zap.String("subject", event.Subject),
		zap.Float64("score", event.Score),
		zap.String("label", string(event.Label)),
		zap.Strings("reasons", event.Reasons),
		zap.String("remediation", string(event.Remediation)))
	return nil
}
