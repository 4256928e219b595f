package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token     string
	done      bool
	rec       Record
	expiresAt time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	opts    Options
	now     func() time.Time
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		entries: map[string]memoryEntry{},
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

func memoryKey(scope, key string) string {
	return scope + "\x00" + key
}

func (s *MemoryStore) Begin(_ context.Context, scope, key string) (Claim, Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)
	k := memoryKey(scope, key)
	if e, ok := s.entries[k]; ok {
		if e.done {
			return Claim{}, e.rec, true, nil
		}
		return Claim{}, Record{}, false, ErrInProgress
	}

	claim := Claim{Scope: scope, Key: key, token: uuid.NewString()}
	s.entries[k] = memoryEntry{token: claim.token, expiresAt: now.Add(s.opts.PendingTTL)}
	return claim, Record{}, false, nil
}

func (s *MemoryStore) Complete(_ context.Context, claim Claim, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(claim.Scope, claim.Key)
	if e, ok := s.entries[k]; !ok || e.token != claim.token {
		return nil
	}
	s.entries[k] = memoryEntry{done: true, rec: rec, expiresAt: s.now().Add(s.opts.RecordTTL)}
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, claim Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(claim.Scope, claim.Key)
	if e, ok := s.entries[k]; ok && !e.done && e.token == claim.token {
		delete(s.entries, k)
	}
	return nil
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
