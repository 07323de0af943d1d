package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/adapters/sink"
	"github.com/castellan/mail-sentinel/internal/config"
	"github.com/castellan/mail-sentinel/internal/dispatcher"
)

// SinkFactory creates the enabled alert sinks
type SinkFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewSinkFactory creates a new sink factory
func NewSinkFactory(cfg *config.Config, logger *zap.Logger) *SinkFactory {
	return &SinkFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateSinks creates every enabled sink with its required flag
func (f *SinkFactory) CreateSinks() ([]dispatcher.RegisteredSink, error) {
	var sinks []dispatcher.RegisteredSink

	if f.cfg.GetBool("sinks.webhook.enabled") {
		url := f.cfg.GetString("sinks.webhook.url")
		if url == "" {
			return nil, fmt.Errorf("webhook sink enabled without a url")
		}
		timeout, err := f.cfg.GetDuration("upstream.timeout")
		if err != nil {
			return nil, fmt.Errorf("invalid webhook timeout: %w", err)
		}
		sinks = append(sinks, dispatcher.RegisteredSink{
			Sink:     sink.NewWebhookSink(url, timeout, f.logger),
			Required: f.cfg.GetBool("sinks.webhook.required"),
		})
	}

	if f.cfg.GetBool("sinks.smtp.enabled") {
		to := f.cfg.GetStringSlice("sinks.smtp.to")
		if len(to) == 0 {
			return nil, fmt.Errorf("smtp sink enabled without recipients")
		}
		sinks = append(sinks, dispatcher.RegisteredSink{
			Sink: sink.NewSMTPSink(
				f.cfg.GetString("sinks.smtp.addr"),
				f.cfg.GetString("sinks.smtp.username"),
				f.cfg.GetString("sinks.smtp.password"),
				f.cfg.GetString("sinks.smtp.from"),
				to,
				f.logger,
			),
			Required: f.cfg.GetBool("sinks.smtp.required"),
		})
	}

	if f.cfg.GetBool("sinks.log.enabled") {
		sinks = append(sinks, dispatcher.RegisteredSink{
			Sink:     sink.NewLogSink(f.logger),
			Required: f.cfg.GetBool("sinks.log.required"),
		})
	}

	if len(sinks) == 0 {
		return nil, fmt.Errorf("no alert sinks enabled")
	}
	return sinks, nil
}
