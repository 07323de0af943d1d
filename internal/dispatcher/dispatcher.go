package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/resilience"
	"github.com/castellan/mail-sentinel/internal/whitelist"
)

// Policy maps scores and labels to remediation actions.
type Policy struct {
	SuspiciousThreshold float64
	PhishingThreshold   float64
	Actions             map[core.Label]core.RemediationAction
}

func (p *Policy) applyDefaults() {
	if p.SuspiciousThreshold <= 0 {
		p.SuspiciousThreshold = 0.5
	}
	if p.PhishingThreshold <= 0 {
		p.PhishingThreshold = 0.8
	}
	if p.Actions == nil {
		p.Actions = map[core.Label]core.RemediationAction{
			core.LabelBenign:     core.ActionNone,
			core.LabelSuspicious: core.ActionFlag,
			core.LabelPhishing:   core.ActionQuarantine,
		}
	}
}

// Normalize reconciles the scorer's label with the thresholds. A
// missing or unknown label is derived from the score; a known label is
// trusted as-is since the scorer saw the full content.
func (p Policy) Normalize(result *core.ScoreResult) core.Label {
	switch result.Label {
	case core.LabelBenign, core.LabelSuspicious, core.LabelPhishing:
		return result.Label
	}
	switch {
	case result.Score >= p.PhishingThreshold:
		return core.LabelPhishing
	case result.Score >= p.SuspiciousThreshold:
		return core.LabelSuspicious
	default:
		return core.LabelBenign
	}
}

// ActionFor returns the configured remediation for a label.
func (p Policy) ActionFor(label core.Label) core.RemediationAction {
	if action, ok := p.Actions[label]; ok {
		return action
	}
	return core.ActionNone
}

// RegisteredSink pairs a sink with its delivery requirement. A required
// sink that cannot be reached marks the whole alert abandoned; optional
// sinks only log.
type RegisteredSink struct {
	Sink     core.AlertSink
	Required bool
}

// Dispatcher turns one admitted message into at most one score, one
// remediation and one fan-out. It is the only writer of dedup outcomes
// after admission.
type Dispatcher struct {
	api       core.MailAPI
	scorer    core.ScoringClient
	dedup     core.DedupStore
	events    core.AlertEventStore
	whitelist *whitelist.Checker
	sinks     []RegisteredSink
	policy    Policy
	exec      *resilience.Executor

	quarantineFolder string
	logger           *zap.Logger

	now func() time.Time
}

// New creates a new scoring and remediation dispatcher
func New(api core.MailAPI, scorer core.ScoringClient, dedup core.DedupStore, events core.AlertEventStore, wl *whitelist.Checker, sinks []RegisteredSink, policy Policy, exec *resilience.Executor, quarantineFolder string, logger *zap.Logger) *Dispatcher {
	policy.applyDefaults()
	if quarantineFolder == "" {
		quarantineFolder = "Quarantine"
	}
	return &Dispatcher{
		api:              api,
		scorer:           scorer,
		dedup:            dedup,
		events:           events,
		whitelist:        wl,
		sinks:            sinks,
		policy:           policy,
		exec:             exec,
		quarantineFolder: quarantineFolder,
		logger:           logger,
		now:              time.Now,
	}
}

// Process runs the post-admission pipeline for one message. The bool
// reports whether an alert was raised.
func (d *Dispatcher) Process(ctx context.Context, event core.IntakeEvent, msg *core.Message) (bool, error) {
	if msg == nil || msg.Body == "" {
		fetched, err := d.fetch(ctx, event)
		if err != nil {
			if outErr := d.dedup.SetOutcome(ctx, event.ResourceID, event.MessageID, core.OutcomeFetchFailed); outErr != nil {
				d.logger.Warn("Failed to record fetch outcome", zap.Error(outErr))
			}
			return false, fmt.Errorf("failed to fetch message %s/%s: %w", event.ResourceID, event.MessageID, err)
		}
		msg = fetched
	}

	if d.whitelist != nil && d.whitelist.IsWhitelisted(msg.From) {
		d.logger.Debug("Skipping scoring for whitelisted sender",
			zap.String("message_id", msg.ID),
			zap.String("from", msg.From))
		return false, d.dedup.SetOutcome(ctx, event.ResourceID, event.MessageID, core.OutcomeDispatched)
	}

	result, err := d.score(ctx, msg)
	if err != nil {
		return false, d.abandonScoring(ctx, event, msg, err)
	}

	label := d.policy.Normalize(result)
	if label == core.LabelBenign {
		return false, d.dedup.SetOutcome(ctx, event.ResourceID, event.MessageID, core.OutcomeDispatched)
	}

	remediation := d.remediate(ctx, msg, d.policy.ActionFor(label))

	alert := &core.AlertEvent{
		ID:          uuid.NewString(),
		ResourceID:  event.ResourceID,
		MessageID:   event.MessageID,
		From:        msg.From,
		Subject:     msg.Subject,
		Score:       result.Score,
		Label:       label,
		Reasons:     result.Reasons,
		Remediation: remediation,
		CreatedAt:   d.now(),
	}
	alert.Sinks, alert.Status = d.fanOut(ctx, alert)

	if err := d.events.Append(ctx, alert); err != nil {
		d.logger.Error("Failed to append alert event", zap.Error(err))
	}

	outcome := core.OutcomeDispatched
	if alert.Status == core.DispatchAbandoned {
		outcome = core.OutcomeDispatchAbandoned
	}
	if err := d.dedup.SetOutcome(ctx, event.ResourceID, event.MessageID, outcome); err != nil {
		d.logger.Warn("Failed to record dispatch outcome", zap.Error(err))
	}

	d.logger.Info("Alert dispatched",
		zap.String("resource_id", alert.ResourceID),
		zap.String("message_id", alert.MessageID),
		zap.Float64("score", alert.Score),
		zap.String("label", string(alert.Label)),
		zap.String("remediation", string(alert.Remediation)),
		zap.String("status", string(alert.Status)))
	return true, nil
}

func (d *Dispatcher) fetch(ctx context.Context, event core.IntakeEvent) (*core.Message, error) {
	var msg *core.Message
	err := d.exec.Do(ctx, "message.fetch", func(ctx context.Context) error {
		var fetchErr error
		msg, fetchErr = d.api.FetchMessage(ctx, event.ResourceID, event.MessageID)
		return fetchErr
	})
	return msg, err
}

func (d *Dispatcher) score(ctx context.Context, msg *core.Message) (*core.ScoreResult, error) {
	var result *core.ScoreResult
	err := d.exec.Do(ctx, "message.score", func(ctx context.Context) error {
		var scoreErr error
		result, scoreErr = d.scorer.ScoreMessage(ctx, msg)
		return scoreErr
	})
	return result, err
}

// abandonScoring records a message whose scoring budget ran out. The
// marker stays so the message is never re-scored, and the audit log
// gets an explicit entry instead of silence.
func (d *Dispatcher) abandonScoring(ctx context.Context, event core.IntakeEvent, msg *core.Message, cause error) error {
	if err := d.dedup.SetOutcome(ctx, event.ResourceID, event.MessageID, core.OutcomeScoringAbandoned); err != nil {
		d.logger.Warn("Failed to record scoring outcome", zap.Error(err))
	}
	audit := &core.AlertEvent{
		ID:          uuid.NewString(),
		ResourceID:  event.ResourceID,
		MessageID:   event.MessageID,
		From:        msg.From,
		Subject:     msg.Subject,
		Remediation: core.RemediationNone,
		Status:      core.DispatchScoringAbandoned,
		CreatedAt:   d.now(),
	}
	if err := d.events.Append(ctx, audit); err != nil {
		d.logger.Error("Failed to append scoring-abandoned event", zap.Error(err))
	}
	d.logger.Error("Scoring abandoned after exhausting retries",
		zap.String("resource_id", event.ResourceID),
		zap.String("message_id", event.MessageID),
		zap.Error(cause))
	return fmt.Errorf("scoring abandoned for %s/%s: %w", event.ResourceID, event.MessageID, cause)
}

// remediate applies the policy action. Insufficient permission is a
// configuration condition, not a failure: the alert still goes out,
// marked so an operator can see the quarantine did not happen.
func (d *Dispatcher) remediate(ctx context.Context, msg *core.Message, action core.RemediationAction) core.RemediationOutcome {
	switch action {
	case core.ActionNone:
		return core.RemediationNone
	case core.ActionFlag:
		return core.RemediationFlagged
	case core.ActionQuarantine:
		err := d.exec.Do(ctx, "message.quarantine", func(ctx context.Context) error {
			return d.api.MoveMessage(ctx, msg.ResourceID, msg.ID, d.quarantineFolder)
		})
		if err == nil {
			return core.RemediationQuarantined
		}
		if errors.Is(err, core.ErrInsufficientPermission) {
			d.logger.Warn("Quarantine skipped: credential lacks move permission",
				zap.String("resource_id", msg.ResourceID),
				zap.String("message_id", msg.ID))
			return core.RemediationSkippedPermission
		}
		d.logger.Error("Quarantine failed",
			zap.String("resource_id", msg.ResourceID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return core.RemediationFailed
	default:
		return core.RemediationNone
	}
}

// fanOut delivers the alert to every sink concurrently. Each sink gets
// its own retry budget; one sink's failure never blocks another. The
// alert is delivered when every required sink succeeded.
func (d *Dispatcher) fanOut(ctx context.Context, alert *core.AlertEvent) ([]core.SinkDelivery, core.DispatchStatus) {
	if len(d.sinks) == 0 {
		return nil, core.DispatchDelivered
	}

	deliveries := make([]core.SinkDelivery, len(d.sinks))
	var wg sync.WaitGroup
	for i, registered := range d.sinks {
		wg.Add(1)
		go func(i int, registered RegisteredSink) {
			defer wg.Done()
			attempts := 0
			err := d.exec.Do(ctx, "sink."+registered.Sink.Name(), func(ctx context.Context) error {
				attempts++
				return registered.Sink.Deliver(ctx, alert)
			})
			delivery := core.SinkDelivery{
				Sink:     registered.Sink.Name(),
				Required: registered.Required,
				Attempts: attempts,
				Status:   core.SinkDelivered,
			}
			if err != nil {
				delivery.Status = core.SinkAbandoned
				delivery.Error = err.Error()
			}
			deliveries[i] = delivery
		}(i, registered)
	}
	wg.Wait()

	status := core.DispatchDelivered
	var combined error
	for _, delivery := range deliveries {
		if delivery.Status == core.SinkAbandoned {
			combined = multierr.Append(combined, fmt.Errorf("%s: %s", delivery.Sink, delivery.Error))
			if delivery.Required {
				status = core.DispatchAbandoned
			}
		}
	}
	if combined != nil {
		d.logger.Warn("Sink delivery incomplete",
			zap.String("message_id", alert.MessageID),
			zap.String("status", string(status)),
			zap.Error(combined))
	}
	return deliveries, status
}
