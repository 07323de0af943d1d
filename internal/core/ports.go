package core

import (
	"context"
	"time"
)

// MailAPI is the upstream mail service consumed by the pipeline. All
// implementations are expected to be called through the resilience
// executor; they classify their own failures as transient or terminal.
type MailAPI interface {
	// FetchDelta returns one page of changes for a resource. An empty
	// cursor requests a full resync. Returns ErrInvalidCursor when the
	// upstream reports the cursor as stale.
	FetchDelta(ctx context.Context, resourceID, cursor string) (*DeltaPage, error)

	// CreateSubscription registers a change-notification subscription.
	CreateSubscription(ctx context.Context, resourcePath, notifyURL, clientState string, lifetime time.Duration) (subscriptionID string, expiresAt time.Time, err error)

	// RenewSubscription extends an existing subscription.
	RenewSubscription(ctx context.Context, subscriptionID string, lifetime time.Duration) (expiresAt time.Time, err error)

	// DeleteSubscription tears a subscription down.
	DeleteSubscription(ctx context.Context, subscriptionID string) error

	// FetchMessage retrieves full message content.
	FetchMessage(ctx context.Context, resourceID, messageID string) (*Message, error)

	// MoveMessage moves a message to a folder (quarantine). Returns
	// ErrInsufficientPermission when the credential lacks the scope.
	MoveMessage(ctx context.Context, resourceID, messageID, folder string) error
}

// ScoringClient is the external phishing-scoring capability.
type ScoringClient interface {
	ScoreMessage(ctx context.Context, msg *Message) (*ScoreResult, error)
}

// AlertSink delivers finished alerts to one configured destination.
type AlertSink interface {
	Name() string
	Deliver(ctx context.Context, event *AlertEvent) error
}

// DedupStore is the shared idempotency guard consulted by both intake
// channels. Admit must be a single atomic check-and-create.
type DedupStore interface {
	// Admit returns true exactly once per (resourceID, messageID);
	// every later or concurrent call returns false.
	Admit(ctx context.Context, resourceID, messageID string) (bool, error)

	// SetOutcome updates the marker's outcome summary.
	SetOutcome(ctx context.Context, resourceID, messageID, outcome string) error

	// Remove deletes a marker so the message can be admitted again.
	// Used to roll back an admission that could not be enqueued.
	Remove(ctx context.Context, resourceID, messageID string) error

	// Purge removes markers first seen before the cutoff. The caller is
	// responsible for keeping the cutoff outside any outstanding delta
	// page's time range.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// SubscriptionStore persists SubscriptionRecords, one per resource.
type SubscriptionStore interface {
	Get(ctx context.Context, resourceID string) (*SubscriptionRecord, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error)
	List(ctx context.Context) ([]SubscriptionRecord, error)
	Put(ctx context.Context, rec *SubscriptionRecord) error
	Delete(ctx context.Context, resourceID string) error
}

// DeltaStateStore persists per-resource sync cursors. Method names are
// disambiguated so one combined state store can implement this next to
// SubscriptionStore.
type DeltaStateStore interface {
	GetDelta(ctx context.Context, resourceID string) (*DeltaState, error)
	PutDelta(ctx context.Context, state *DeltaState) error
}

// AlertEventStore is the append-only audit log of alert events.
type AlertEventStore interface {
	Append(ctx context.Context, event *AlertEvent) error
}
