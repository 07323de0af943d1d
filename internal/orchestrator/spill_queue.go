package orchestrator

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/castellan/mail-sentinel/internal/core"
)

// SpillQueue is the durable overflow buffer for pushed notifications.
// When the in-memory intake queue is full, admitted events land here and
// a drain loop feeds them back once the workers catch up. The whole
// queue is snapshotted to one JSON file on every mutation, so a restart
// picks up exactly the spilled backlog.
type SpillQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []core.IntakeEvent
}

type spillQueueState struct {
	Items []core.IntakeEvent `json:"items"`
}

// NewSpillQueue opens the spill file at path, creating it lazily.
func NewSpillQueue(path string, capacity int) (*SpillQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("spill queue path must not be empty")
	}
	if capacity <= 0 {
		capacity = 4096
	}
	q := &SpillQueue{
		path:     path,
		capacity: capacity,
		items:    []core.IntakeEvent{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// TryEnqueue appends an event; returns false when the queue is at
// capacity or the snapshot cannot be written.
func (q *SpillQueue) TryEnqueue(event core.IntakeEvent) bool {
	if event.ResourceID == "" || event.MessageID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, event)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

// TryDequeue pops the oldest event, if any.
func (q *SpillQueue) TryDequeue() (core.IntakeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return core.IntakeEvent{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]core.IntakeEvent{item}, q.items...)
		return core.IntakeEvent{}, false
	}
	return item, true
}

// Depth returns the number of spilled events.
func (q *SpillQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the maximum number of spilled events.
func (q *SpillQueue) Capacity() int {
	return q.capacity
}

func (q *SpillQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot spillQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]core.IntakeEvent(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]core.IntakeEvent(nil), snapshot.Items...)
	return nil
}

func (q *SpillQueue) saveLocked() error {
	snapshot := spillQueueState{
		Items: append([]core.IntakeEvent(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
