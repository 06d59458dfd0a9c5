package dedupe

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-instance fallback used when no Redis URL is
// configured. Entries expire on their TTL; expired keys are pruned lazily.
type MemoryStore struct {
	mu        sync.Mutex
	opts      Options
	now       func() time.Time
	sent      map[string]time.Time
	claims    map[string]time.Time
	lastPrune time.Time
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:   opts.withDefaults(),
		now:    time.Now,
		sent:   make(map[string]time.Time),
		claims: make(map[string]time.Time),
	}
}

func (s *MemoryStore) ShouldSuppress(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)
	sentAt, ok := s.sent[key]
	if !ok {
		return false, nil
	}
	return now.Sub(sentAt) < s.opts.Interval, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[key] = s.now()
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)
	if claimedAt, ok := s.claims[key]; ok && now.Sub(claimedAt) < s.opts.LedgerTTL {
		return false, nil
	}
	s.claims[key] = now
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

// Len reports live debounce marks and claims.
func (s *MemoryStore) Len() (debounce, ledger int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.sent), len(s.claims)
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	if now.Sub(s.lastPrune) < s.opts.Interval && len(s.sent) < 10000 {
		return
	}
	s.lastPrune = now
	for key, sentAt := range s.sent {
		if now.Sub(sentAt) >= s.opts.DebounceTTL {
			delete(s.sent, key)
		}
	}
	for key, claimedAt := range s.claims {
		if now.Sub(claimedAt) >= s.opts.LedgerTTL {
			delete(s.claims, key)
		}
	}
}
