package dedupe

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreDebounce(t *testing.T) {
	store := NewMemoryStore(Options{Interval: 3 * time.Second, DebounceTTL: time.Hour})
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.MarkSent(ctx, "thr_1:u_1"); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	if suppress, _ := store.ShouldSuppress(ctx, "thr_1:u_1"); !suppress {
		t.Fatal("expected immediate repeat to be suppressed")
	}
	if suppress, _ := store.ShouldSuppress(ctx, "thr_1:u_2"); suppress {
		t.Fatal("other users are independent")
	}

	now = now.Add(3 * time.Second)
	if suppress, _ := store.ShouldSuppress(ctx, "thr_1:u_1"); suppress {
		t.Fatal("expected suppression to end at the interval")
	}
}

func TestMemoryStoreEvictsAfterTTL(t *testing.T) {
	store := NewMemoryStore(Options{Interval: time.Second, DebounceTTL: time.Hour, LedgerTTL: 2 * time.Hour})
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.MarkSent(ctx, "thr_1:u_1")
	if _, err := store.Claim(ctx, "message.sent:u_1:msg_1:push"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	now = now.Add(90 * time.Minute)
	debounce, ledger := store.Len()
	if debounce != 0 || ledger != 1 {
		t.Fatalf("expected debounce evicted and claim kept, got %d/%d", debounce, ledger)
	}

	now = now.Add(time.Hour)
	if _, ledger = store.Len(); ledger != 0 {
		t.Fatalf("expected claim evicted, got %d", ledger)
	}
}

func TestMemoryStoreClaimRelease(t *testing.T) {
	store := NewMemoryStore(Options{})
	ctx := context.Background()

	if ok, _ := store.Claim(ctx, "k"); !ok {
		t.Fatal("first claim should win")
	}
	if ok, _ := store.Claim(ctx, "k"); ok {
		t.Fatal("second claim should lose")
	}
	_ = store.Release(ctx, "k")
	if ok, _ := store.Claim(ctx, "k"); !ok {
		t.Fatal("claim after release should win")
	}
}
