package deltasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/mail-sentinel/internal/core"
	"github.com/castellan/mail-sentinel/internal/resilience"
)

// Stats summarizes one sync round for a resource.
type Stats struct {
	Pages    int
	Messages int
	Resyncs  int
}

// Engine walks the upstream delta feed one resource at a time. The
// cursor for a resource is committed only after every message on the
// page has been handed to the emit callback, so a crash between pages
// replays at-least-once and the dedup layer absorbs the duplicates.
type Engine struct {
	api    core.MailAPI
	states core.DeltaStateStore
	exec   *resilience.Executor
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewEngine creates a new delta sync engine
func NewEngine(api core.MailAPI, states core.DeltaStateStore, exec *resilience.Executor, logger *zap.Logger) *Engine {
	return &Engine{
		api:    api,
		states: states,
		exec:   exec,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

func (e *Engine) lockFor(resourceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[resourceID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[resourceID] = lock
	}
	return lock
}

// SyncResource runs one full sync round: pages are fetched until the
// upstream reports no more changes, and each page's messages are passed
// to emit before the page's cursor is persisted. A stale cursor resets
// the resource to a full resync, at most once per round.
func (e *Engine) SyncResource(ctx context.Context, resourceID string, emit func(core.Message) error) (Stats, error) {
	// One writer per resource; concurrent rounds for the same resource
	// would race on the cursor.
	lock := e.lockFor(resourceID)
	lock.Lock()
	defer lock.Unlock()

	var stats Stats

	cursor := ""
	st, err := e.states.GetDelta(ctx, resourceID)
	if err != nil {
		return stats, fmt.Errorf("failed to load cursor for %s: %w", resourceID, err)
	}
	if st != nil {
		cursor = st.Cursor
	}

	resynced := false
	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		var page *core.DeltaPage
		err := e.exec.Do(ctx, "delta.fetch", func(ctx context.Context) error {
			var fetchErr error
			page, fetchErr = e.api.FetchDelta(ctx, resourceID, cursor)
			return fetchErr
		})
		if errors.Is(err, core.ErrInvalidCursor) {
			if resynced {
				return stats, fmt.Errorf("cursor rejected twice in one round for %s: %w", resourceID, err)
			}
			e.logger.Warn("Stale delta cursor, restarting full resync",
				zap.String("resource_id", resourceID))
			cursor = ""
			resynced = true
			stats.Resyncs++
			if err := e.commitCursor(ctx, resourceID, ""); err != nil {
				return stats, err
			}
			continue
		}
		if err != nil {
			return stats, err
		}

		for _, msg := range page.Messages {
			if err := emit(msg); err != nil {
				// The cursor is not advanced, so this page replays on
				// the next round.
				return stats, fmt.Errorf("emit failed for %s/%s: %w", resourceID, msg.ID, err)
			}
		}
		stats.Pages++
		stats.Messages += len(page.Messages)

		if err := e.commitCursor(ctx, resourceID, page.NextCursor); err != nil {
			return stats, err
		}
		cursor = page.NextCursor

		if !page.More {
			return stats, nil
		}
	}
}

func (e *Engine) commitCursor(ctx context.Context, resourceID, cursor string) error {
	err := e.states.PutDelta(ctx, &core.DeltaState{
		ResourceID: resourceID,
		Cursor:     cursor,
		LastSyncAt: e.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to commit cursor for %s: %w", resourceID, err)
	}
	return nil
}

// Reset clears the stored cursor so the next round is a full resync.
func (e *Engine) Reset(ctx context.Context, resourceID string) error {
	lock := e.lockFor(resourceID)
	lock.Lock()
	defer lock.Unlock()
	return e.commitCursor(ctx, resourceID, "")
}
