package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/resilience"
)

// Config controls the subscription lifecycle.
type Config struct {
	NotifyURL       string
	Lifetime        time.Duration
	RenewalFraction float64
	ScanInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Lifetime <= 0 {
		c.Lifetime = 72 * time.Hour
	}
	if c.RenewalFraction <= 0 || c.RenewalFraction >= 1 {
		c.RenewalFraction = 0.2
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
}

// Manager owns the per-resource subscription state machine:
// unsubscribed -> pending -> active -> expiring -> {active | expired},
// with failed reachable from pending/expiring on terminal errors.
// Records are mutated under a per-resource lock so there is exactly one
// writer per resource at a time.
type Manager struct {
	api    core.MailAPI
	store  core.SubscriptionStore
	exec   *resilience.Executor
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	resources map[string]core.MonitoredResource

	// onLost tells the orchestrator to fall back to boosted polling for
	// a resource; onRestored cancels the fallback.
	onLost     func(resourceID string)
	onRestored func(resourceID string)

	now func() time.Time
}

// NewManager creates a new subscription lifecycle manager
func NewManager(api core.MailAPI, store core.SubscriptionStore, exec *resilience.Executor, cfg Config, resources []core.MonitoredResource, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		api:       api,
		store:     store,
		exec:      exec,
		cfg:       cfg,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		resources: make(map[string]core.MonitoredResource),
		now:       time.Now,
	}
	for _, res := range resources {
		m.resources[res.ID] = res
	}
	return m
}

// SetDegradationHooks wires the orchestrator's polling fallback.
func (m *Manager) SetDegradationHooks(onLost, onRestored func(resourceID string)) {
	m.onLost = onLost
	m.onRestored = onRestored
}

// RegisterResource adds a resource scope at runtime.
func (m *Manager) RegisterResource(res core.MonitoredResource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[res.ID] = res
}

func (m *Manager) lockFor(resourceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[resourceID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[resourceID] = lock
	}
	return lock
}

func (m *Manager) resource(resourceID string) (core.MonitoredResource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[resourceID]
	return res, ok
}

// EnsureSubscription creates a subscription for the resource if no
// active one exists. Calling it while already active is a no-op.
func (m *Manager) EnsureSubscription(ctx context.Context, resourceID string) error {
	lock := m.lockFor(resourceID)
	lock.Lock()
	defer lock.Unlock()
	return m.ensureLocked(ctx, resourceID)
}

func (m *Manager) ensureLocked(ctx context.Context, resourceID string) error {
	res, ok := m.resource(resourceID)
	if !ok {
		return fmt.Errorf("unknown resource %q", resourceID)
	}

	rec, err := m.store.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if rec != nil && rec.Status == core.SubscriptionActive && m.now().Before(rec.ExpiresAt) {
		return nil
	}

	clientState := uuid.NewString()
	pending := &core.SubscriptionRecord{
		ResourceID:  resourceID,
		ClientState: clientState,
		Status:      core.SubscriptionPending,
		UpdatedAt:   m.now(),
	}
	if err := m.store.Put(ctx, pending); err != nil {
		return err
	}

	var subscriptionID string
	var expiresAt time.Time
	err = m.exec.Do(ctx, "subscription.create", func(ctx context.Context) error {
		var callErr error
		subscriptionID, expiresAt, callErr = m.api.CreateSubscription(ctx, res.Path, m.cfg.NotifyURL, clientState, m.cfg.Lifetime)
		return callErr
	})
	if err != nil {
		pending.Status = core.SubscriptionFailed
		pending.UpdatedAt = m.now()
		if putErr := m.store.Put(ctx, pending); putErr != nil {
			return putErr
		}
		if m.onLost != nil {
			m.onLost(resourceID)
		}
		return fmt.Errorf("failed to create subscription for %s: %w", resourceID, err)
	}

	pending.SubscriptionID = subscriptionID
	pending.ExpiresAt = expiresAt
	pending.Status = core.SubscriptionActive
	pending.UpdatedAt = m.now()
	if err := m.store.Put(ctx, pending); err != nil {
		return err
	}
	m.logger.Info("Subscription active",
		zap.String("resource_id", resourceID),
		zap.String("subscription_id", subscriptionID),
		zap.Time("expires_at", expiresAt))
	if m.onRestored != nil {
		m.onRestored(resourceID)
	}
	return nil
}

// ValidateNotification authenticates a pushed notification against the
// stored clientState secret and resolves its resource.
func (m *Manager) ValidateNotification(ctx context.Context, n core.Notification) (string, error) {
	rec, err := m.store.GetBySubscriptionID(ctx, n.SubscriptionID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", core.ErrSubscriptionNotFound
	}
	if rec.ClientState != n.ClientState {
		m.logger.Warn("Rejected notification with mismatched client state",
			zap.String("subscription_id", n.SubscriptionID),
			zap.String("resource_id", rec.ResourceID))
		return "", core.ErrClientStateMismatch
	}
	return rec.ResourceID, nil
}

// HandleTermination processes a tenant-signaled subscription teardown:
// the record moves straight to unsubscribed and the orchestrator is
// told to poll the resource more aggressively until a new subscription
// is established.
func (m *Manager) HandleTermination(ctx context.Context, subscriptionID string) error {
	rec, err := m.store.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return core.ErrSubscriptionNotFound
	}

	lock := m.lockFor(rec.ResourceID)
	lock.Lock()
	defer lock.Unlock()

	rec.Status = core.SubscriptionUnsubscribed
	rec.UpdatedAt = m.now()
	if err := m.store.Put(ctx, rec); err != nil {
		return err
	}
	m.logger.Warn("Subscription terminated by upstream, falling back to polling",
		zap.String("resource_id", rec.ResourceID),
		zap.String("subscription_id", subscriptionID))
	if m.onLost != nil {
		m.onLost(rec.ResourceID)
	}
	return nil
}

// Run is the background renewal loop. It returns when the context is
// canceled or when the subscription store becomes unusable, which is a
// fatal condition surfaced to the caller.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if err := m.scanOnce(ctx); err != nil {
			m.logger.Error("Subscription renewal loop halted: state store unusable", zap.Error(err))
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scanOnce renews every record inside its renewal window. Per-resource
// failures do not abort the scan; only store failures do.
func (m *Manager) scanOnce(ctx context.Context) error {
	recs, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return nil
		}
		if err := m.renewIfNeeded(ctx, rec.ResourceID); err != nil {
			m.logger.Warn("Subscription renewal failed",
				zap.String("resource_id", rec.ResourceID),
				zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) renewIfNeeded(ctx context.Context, resourceID string) error {
	lock := m.lockFor(resourceID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.Get(ctx, resourceID)
	if err != nil || rec == nil {
		return err
	}

	switch rec.Status {
	case core.SubscriptionActive, core.SubscriptionExpiring:
	case core.SubscriptionFailed, core.SubscriptionUnsubscribed, core.SubscriptionExpired:
		// Terminal or torn down: attempt a fresh subscribe as recovery.
		return m.ensureLocked(ctx, resourceID)
	default:
		return nil
	}

	window := time.Duration(float64(m.cfg.Lifetime) * m.cfg.RenewalFraction)
	now := m.now()
	if now.Add(window).Before(rec.ExpiresAt) {
		return nil
	}

	if now.After(rec.ExpiresAt) {
		rec.Status = core.SubscriptionExpired
		rec.UpdatedAt = now
		if err := m.store.Put(ctx, rec); err != nil {
			return err
		}
		if m.onLost != nil {
			m.onLost(resourceID)
		}
		return m.ensureLocked(ctx, resourceID)
	}

	rec.Status = core.SubscriptionExpiring
	rec.UpdatedAt = now
	if err := m.store.Put(ctx, rec); err != nil {
		return err
	}

	var expiresAt time.Time
	err = m.exec.Do(ctx, "subscription.renew", func(ctx context.Context) error {
		var callErr error
		expiresAt, callErr = m.api.RenewSubscription(ctx, rec.SubscriptionID, m.cfg.Lifetime)
		return callErr
	})
	if err != nil {
		// Renewal and creation fail differently; after exhausting renew
		// retries, fall back to a full resubscribe.
		rec.Status = core.SubscriptionFailed
		rec.UpdatedAt = m.now()
		if putErr := m.store.Put(ctx, rec); putErr != nil {
			return putErr
		}
		m.logger.Warn("Renewal exhausted retries, attempting full resubscribe",
			zap.String("resource_id", resourceID),
			zap.Error(err))
		return m.ensureLocked(ctx, resourceID)
	}

	rec.ExpiresAt = expiresAt
	rec.Status = core.SubscriptionActive
	rec.UpdatedAt = m.now()
	if err := m.store.Put(ctx, rec); err != nil {
		return err
	}
	m.logger.Debug("Subscription renewed",
		zap.String("resource_id", resourceID),
		zap.Time("expires_at", expiresAt))
	return nil
}

// Teardown deletes the upstream subscription and the local record.
func (m *Manager) Teardown(ctx context.Context, resourceID string) error {
	lock := m.lockFor(resourceID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if rec.SubscriptionID != "" {
		err = m.exec.Do(ctx, "subscription.delete", func(ctx context.Context) error {
			return m.api.DeleteSubscription(ctx, rec.SubscriptionID)
		})
		if err != nil {
			m.logger.Warn("Failed to delete upstream subscription",
				zap.String("subscription_id", rec.SubscriptionID),
				zap.Error(err))
		}
	}
	return m.store.Delete(ctx, resourceID)
}
