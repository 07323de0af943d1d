package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestAdmitIsExactlyOnce(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	admitted, err := store.Admit(ctx, "res-1", "m1")
	if err != nil || !admitted {
		t.Fatalf("expected first admit to succeed, got %v/%v", admitted, err)
	}
	admitted, err = store.Admit(ctx, "res-1", "m1")
	if err != nil || admitted {
		t.Fatalf("expected duplicate admit to be rejected, got %v/%v", admitted, err)
	}

	// Same message id under a different resource is a distinct identity.
	admitted, err = store.Admit(ctx, "res-2", "m1")
	if err != nil || !admitted {
		t.Fatalf("expected admit under different resource, got %v/%v", admitted, err)
	}
}

func TestAdmitUnderConcurrentCallers(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, err := store.Admit(ctx, "res-1", "raced")
			if err != nil {
				t.Errorf("admit failed: %v", err)
				return
			}
			if admitted {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one admission winner, got %d", wins.Load())
	}
}

func TestPurgeRespectsCutoff(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	if _, err := store.Admit(ctx, "res-1", "old"); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	store.entries[key("res-1", "old")].FirstSeenAt = time.Now().Add(-48 * time.Hour)
	if _, err := store.Admit(ctx, "res-1", "fresh"); err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	purged, err := store.Purge(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged marker, got %d", purged)
	}

	// The fresh marker still blocks readmission.
	admitted, err := store.Admit(ctx, "res-1", "fresh")
	if err != nil || admitted {
		t.Fatalf("expected fresh marker to survive purge, got %v/%v", admitted, err)
	}
	// The purged marker may be admitted again.
	admitted, err = store.Admit(ctx, "res-1", "old")
	if err != nil || !admitted {
		t.Fatalf("expected purged marker to be re-admittable, got %v/%v", admitted, err)
	}
}

func TestSetOutcome(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	if _, err := store.Admit(ctx, "res-1", "m1"); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if err := store.SetOutcome(ctx, "res-1", "m1", "dispatched"); err != nil {
		t.Fatalf("set outcome failed: %v", err)
	}
	if got := store.entries[key("res-1", "m1")].Outcome; got != "dispatched" {
		t.Fatalf("expected outcome dispatched, got %q", got)
	}
}
