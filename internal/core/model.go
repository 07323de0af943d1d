package core

import (
	"errors"
	"time"
)

// ScopeKind describes how wide a monitored resource is.
type ScopeKind string

const (
	ScopeSingle ScopeKind = "single"
	ScopeRange  ScopeKind = "range"
	ScopeGroup  ScopeKind = "group"
)

// MonitoredResource identifies a mailbox or mailbox-group scope to watch.
// Immutable once registered.
type MonitoredResource struct {
	ID    string
	Path  string
	Scope ScopeKind
}

// SubscriptionStatus is the lifecycle state of a change-notification
// subscription for one resource.
type SubscriptionStatus string

const (
	SubscriptionUnsubscribed SubscriptionStatus = "unsubscribed"
	SubscriptionPending      SubscriptionStatus = "pending"
	SubscriptionActive       SubscriptionStatus = "active"
	SubscriptionExpiring     SubscriptionStatus = "expiring"
	SubscriptionExpired      SubscriptionStatus = "expired"
	SubscriptionFailed       SubscriptionStatus = "failed"
)

// SubscriptionRecord tracks the one subscription a resource may hold.
type SubscriptionRecord struct {
	ResourceID     string             `db:"resource_id"`
	SubscriptionID string             `db:"subscription_id"`
	ClientState    string             `db:"client_state"`
	ExpiresAt      time.Time          `db:"expires_at"`
	Status         SubscriptionStatus `db:"status"`
	UpdatedAt      time.Time          `db:"updated_at"`
}

// DeltaState holds the opaque incremental-sync cursor for one resource.
// An empty Cursor forces a full resync.
type DeltaState struct {
	ResourceID string    `db:"resource_id"`
	Cursor     string    `db:"cursor"`
	LastSyncAt time.Time `db:"last_sync_at"`
}

// Message is a fetched mail message. Identity is (ResourceID, ID).
// Body may be empty when only a change reference was delivered; the
// dispatcher fetches the full content before scoring.
type Message struct {
	ID         string
	ResourceID string
	From       string
	To         []string
	Subject    string
	Body       string
	ReceivedAt time.Time
	Headers    map[string][]string
}

// DeltaPage is one page of a delta-sync round.
type DeltaPage struct {
	Messages   []Message
	NextCursor string
	More       bool
}

// ProcessedMessageRecord is the idempotency marker created the instant a
// message is admitted, before scoring completes.
type ProcessedMessageRecord struct {
	ResourceID  string    `db:"resource_id"`
	MessageID   string    `db:"message_id"`
	FirstSeenAt time.Time `db:"first_seen_at"`
	Outcome     string    `db:"outcome"`
}

// Processing outcomes recorded on the idempotency marker.
const (
	OutcomeAdmitted          = "admitted"
	OutcomeFetchFailed       = "fetch_failed"
	OutcomeScoringAbandoned  = "scoring_abandoned"
	OutcomeDispatched        = "dispatched"
	OutcomeDispatchAbandoned = "dispatch_abandoned"
)

// Label classifies a scored message.
type Label string

const (
	LabelBenign     Label = "benign"
	LabelSuspicious Label = "suspicious"
	LabelPhishing   Label = "phishing"
)

// ScoreResult is the verdict of the scoring capability for one message.
// Produced at most once per message.
type ScoreResult struct {
	MessageID string
	Score     float64
	Label     Label
	Reasons   []string
	ScoredAt  time.Time
	ModelUsed string
}

// RemediationAction is the policy-selected action for a label.
type RemediationAction string

const (
	ActionNone       RemediationAction = "none"
	ActionFlag       RemediationAction = "flag"
	ActionQuarantine RemediationAction = "quarantine"
)

// RemediationOutcome records what actually happened to the message.
type RemediationOutcome string

const (
	RemediationNone              RemediationOutcome = "none"
	RemediationFlagged           RemediationOutcome = "flagged"
	RemediationQuarantined       RemediationOutcome = "quarantined"
	RemediationSkippedPermission RemediationOutcome = "skipped_insufficient_permission"
	RemediationFailed            RemediationOutcome = "failed"
)

// SinkStatus is the per-sink delivery state for one alert.
type SinkStatus string

const (
	SinkDelivered SinkStatus = "delivered"
	SinkAbandoned SinkStatus = "abandoned"
)

// SinkDelivery is the fan-out result for a single configured sink.
type SinkDelivery struct {
	Sink     string     `json:"sink"`
	Required bool       `json:"required"`
	Attempts int        `json:"attempts"`
	Status   SinkStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
}

// DispatchStatus is the terminal state of an AlertEvent.
type DispatchStatus string

const (
	DispatchPending          DispatchStatus = "pending"
	DispatchDelivered        DispatchStatus = "delivered"
	DispatchAbandoned        DispatchStatus = "abandoned"
	DispatchScoringAbandoned DispatchStatus = "scoring_abandoned"
)

// AlertEvent is the audit record for one scored message.
type AlertEvent struct {
	ID          string             `json:"id"`
	ResourceID  string             `json:"resource_id"`
	MessageID   string             `json:"message_id"`
	From        string             `json:"from,omitempty"`
	Subject     string             `json:"subject,omitempty"`
	Score       float64            `json:"score"`
	Label       Label              `json:"label"`
	Reasons     []string           `json:"reasons,omitempty"`
	Remediation RemediationOutcome `json:"remediation"`
	Sinks       []SinkDelivery     `json:"sinks,omitempty"`
	Status      DispatchStatus     `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Notification is a pushed change notification as received on the
// webhook endpoint.
type Notification struct {
	SubscriptionID string `json:"subscription_id"`
	ResourceID     string `json:"resource_id"`
	MessageID      string `json:"message_id"`
	ClientState    string `json:"client_state"`
}

// IntakeSource tags which delivery channel produced a task.
type IntakeSource string

const (
	IntakeSweep IntakeSource = "sweep"
	IntakePush  IntakeSource = "push"
)

// IntakeEvent is the normalized form both channels reduce to before the
// dedup admission call.
type IntakeEvent struct {
	Source     IntakeSource `json:"source"`
	ResourceID string       `json:"resource_id"`
	MessageID  string       `json:"message_id"`
	ReceivedAt time.Time    `json:"received_at"`
}

// SweepSummary is returned by a scheduled sweep across all resources.
type SweepSummary struct {
	ResourcesScanned  int `json:"resources_scanned"`
	ResourcesDeferred int `json:"resources_deferred"`
	ResourcesFailed   int `json:"resources_failed"`
	MessagesFound     int `json:"messages_found"`
	MessagesAdmitted  int `json:"messages_admitted"`
	AlertsRaised      int `json:"alerts_raised"`
}

// Sentinel errors shared across adapters and engines.
var (
	// ErrInvalidCursor signals the upstream rejected a delta cursor as
	// stale; the engine must resync the resource from scratch.
	ErrInvalidCursor = errors.New("delta cursor invalid")

	// ErrInsufficientPermission signals the credential lacks the scope
	// for a remediation action (quarantine). Not a pipeline failure.
	ErrInsufficientPermission = errors.New("insufficient permission")

	// ErrNotFound signals a missing upstream entity.
	ErrNotFound = errors.New("not found")

	// ErrSubscriptionNotFound signals a notification referenced an
	// unknown subscription.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrClientStateMismatch signals a notification carried a client
	// state that does not match the stored secret. Treated as an
	// authentication failure, never processed.
	ErrClientStateMismatch = errors.New("client state mismatch")
)
