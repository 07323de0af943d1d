package state

import (
	"context"
	"sync"

	"github.com/castellan/mail-sentinel/internal/core"
)

// MemoryStore is an in-memory implementation of the state ports, used
// by tests and throwaway deployments. State does not survive restarts,
// which forces a full resync on boot.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]core.SubscriptionRecord
	deltas        map[string]core.DeltaState
	events        []core.AlertEvent
}

// NewMemoryStore creates a new in-memory state store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]core.SubscriptionRecord),
		deltas:        make(map[string]core.DeltaState),
	}
}

func (s *MemoryStore) Get(ctx context.Context, resourceID string) (*core.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.subscriptions[resourceID]; ok {
		copied := rec
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*core.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.subscriptions {
		if rec.SubscriptionID == subscriptionID {
			copied := rec
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]core.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]core.SubscriptionRecord, 0, len(s.subscriptions))
	for _, rec := range s.subscriptions {
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *core.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[rec.ResourceID] = *rec
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, resourceID)
	return nil
}

func (s *MemoryStore) GetDelta(ctx context.Context, resourceID string) (*core.DeltaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.deltas[resourceID]; ok {
		copied := st
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStore) PutDelta(ctx context.Context, st *core.DeltaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas[st.ResourceID] = *st
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, event *core.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

// Events returns a copy of the audit log, for tests.
func (s *MemoryStore) Events() []core.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AlertEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Close releases nothing for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
