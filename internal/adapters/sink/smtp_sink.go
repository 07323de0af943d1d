package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/resilience"
)

// SMTPSink mails a plain-text digest of the alert to an operator
// address.
type SMTPSink struct {
	addr     string
	username string
	password string
	from     string
	to       []string
	logger   *zap.Logger
}

// NewSMTPSink creates a new SMTP alert sink
func NewSMTPSink(addr, username, password, from string, to []string, logger *zap.Logger) *SMTPSink {
	return &SMTPSink{
		addr:     addr,
		username: username,
		password: password,
		from:     from,
		to:       to,
		logger:   logger,
	}
}

func (s *SMTPSink) Name() string {
	return "smtp"
}

// Deliver sends the digest. SMTP failures are treated as transient;
// the server being down is the common case and clears up.
func (s *SMTPSink) Deliver(ctx context.Context, event *core.AlertEvent) error {
	if len(s.to) == 0 {
		return resilience.Terminal(fmt.Errorf("smtp sink has no recipients"))
	}

	var auth sasl.Client
	if s.username != "" {
		auth = sasl.NewPlainClient("", s.username, s.password)
	}

	msg := s.digest(event)
	if err := smtp.SendMail(s.addr, auth, s.from, s.to, strings.NewReader(msg)); err != nil {
		return resilience.Transient(fmt.Errorf("smtp delivery failed: %w", err))
	}
	s.logger.Debug("Alert mailed",
		zap.String("alert_id", event.ID),
		zap.Strings("to", s.to))
	return nil
}

func (s *SMTPSink) digest(event *core.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&b, "Subject: [mail-sentinel] %s alert for %s\r\n", event.Label, event.ResourceID)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Message %s in %s was scored %.2f (%s).\r\n", event.MessageID, event.ResourceID, event.Score, event.Label)
	if event.From != "" {
		fmt.Fprintf(&b, "Sender: %s\r\n", event.From)
	}
	if event.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\r\n", event.Subject)
	}
	fmt.Fprintf(&b, "Remediation: %s\r\n", event.Remediation)
	if len(event.Reasons) > 0 {
		b.WriteString("Reasons:\r\n")
		for _, reason := range event.Reasons {
			fmt.Fprintf(&b, "  - %s\r\n", reason)
		}
	}
	return b.String()
}
