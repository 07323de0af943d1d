package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/castellan/mail-sentinel/internal/core"
	"go.uber.org/zap"
)

// MemoryStore is an in-memory implementation of the DedupStore port.
// Suitable for single-process deployments and tests; markers do not
// survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*core.ProcessedMessageRecord
	logger  *zap.Logger
}

// NewMemoryStore creates a new in-memory dedup store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*core.ProcessedMessageRecord),
		logger:  logger,
	}
}

func key(resourceID, messageID string) string {
	return resourceID + "\x00" + messageID
}

// Admit atomically records the marker and reports whether this caller
// won the admission.
func (s *MemoryStore) Admit(ctx context.Context, resourceID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(resourceID, messageID)
	if _, seen := s.entries[k]; seen {
		return false, nil
	}
	s.entries[k] = &core.ProcessedMessageRecord{
		ResourceID:  resourceID,
		MessageID:   messageID,
		FirstSeenAt: time.Now(),
		Outcome:     core.OutcomeAdmitted,
	}
	return true, nil
}

// SetOutcome updates the marker's outcome summary.
func (s *MemoryStore) SetOutcome(ctx context.Context, resourceID, messageID, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.entries[key(resourceID, messageID)]; ok {
		rec.Outcome = outcome
	}
	return nil
}

// Remove deletes a marker so the message can be admitted again.
func (s *MemoryStore) Remove(ctx context.Context, resourceID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key(resourceID, messageID))
	return nil
}

// Outcome returns the recorded outcome for a marker, for tests.
func (s *MemoryStore) Outcome(resourceID, messageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.entries[key(resourceID, messageID)]; ok {
		return rec.Outcome
	}
	return ""
}

// Purge removes markers first seen before the cutoff.
func (s *MemoryStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for k, rec := range s.entries {
		if rec.FirstSeenAt.Before(olderThan) {
			delete(s.entries, k)
			purged++
		}
	}
	if purged > 0 {
		s.logger.Debug("Purged dedup markers", zap.Int64("purged", purged))
	}
	return purged, nil
}

// Close releases nothing for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
