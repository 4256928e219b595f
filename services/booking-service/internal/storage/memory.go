package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
)

// MemoryStore keeps calendars in process. Each provider has its own shard and lock,
// so writers for different providers never wait on each other.
type MemoryStore struct {
	mu     sync.RWMutex
	shards map[string]*shard
	owner  map[string]string // event id -> provider id

	now   func() time.Time
	newID func() string
}

type shard struct {
	// sem is the provider's exclusive section; a channel so waiting honors ctx.
	sem chan struct{}

	mu     sync.RWMutex
	events []model.Event // sorted by start, then id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shards: map[string]*shard{},
		owner:  map[string]string{},
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

func (s *MemoryStore) shard(providerID string, create bool) *shard {
	s.mu.RLock()
	sh := s.shards[providerID]
	s.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh = s.shards[providerID]; sh == nil {
		sh = &shard{sem: make(chan struct{}, 1)}
		s.shards[providerID] = sh
	}
	return sh
}

func (s *MemoryStore) ownerOf(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid, ok := s.owner[id]
	return pid, ok
}

func (s *MemoryStore) Create(ctx context.Context, ev model.Event) (model.Event, error) {
	var created model.Event
	err := s.WithinProvider(ctx, ev.ProviderID, func(ctx context.Context, tx Tx) error {
		var err error
		created, err = tx.Create(ctx, ev)
		return err
	})
	if err != nil {
		return model.Event{}, err
	}
	return created, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	pid, ok := s.ownerOf(id)
	if !ok {
		return model.Event{}, model.ErrNotFound
	}
	sh := s.shard(pid, false)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if i := indexOf(sh.events, id); i >= 0 {
		return sh.events[i], nil
	}
	return model.Event{}, model.ErrNotFound
}

func (s *MemoryStore) ListByProvider(ctx context.Context, providerID string) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(providerID, false)
	if sh == nil {
		return []model.Event{}, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return append([]model.Event{}, sh.events...), nil
}

func (s *MemoryStore) FindOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(providerID, false)
	if sh == nil {
		return []model.Event{}, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return overlapping(sh.events, start, end, ""), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch model.EventPatch) (model.Event, error) {
	pid, ok := s.ownerOf(id)
	if !ok {
		return model.Event{}, model.ErrNotFound
	}
	var updated model.Event
	err := s.WithinProvider(ctx, pid, func(ctx context.Context, tx Tx) error {
		var err error
		updated, err = tx.Update(ctx, id, patch)
		return err
	})
	if err != nil {
		return model.Event{}, err
	}
	return updated, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	pid, ok := s.ownerOf(id)
	if !ok {
		return false, nil
	}
	sh := s.shard(pid, false)
	if err := sh.acquire(ctx); err != nil {
		return false, err
	}
	defer sh.release()

	sh.mu.Lock()
	i := indexOf(sh.events, id)
	if i >= 0 {
		sh.events = append(sh.events[:i:i], sh.events[i+1:]...)
	}
	sh.mu.Unlock()
	if i < 0 {
		return false, nil
	}

	s.mu.Lock()
	delete(s.owner, id)
	s.mu.Unlock()
	return true, nil
}

func (s *MemoryStore) WithinProvider(ctx context.Context, providerID string, fn func(ctx context.Context, tx Tx) error) error {
	if providerID == "" {
		return model.NewValidationError("provider_id", "is required")
	}
	sh := s.shard(providerID, true)
	if err := sh.acquire(ctx); err != nil {
		return err
	}
	defer sh.release()

	sh.mu.RLock()
	tx := &memoryTx{
		store:      s,
		providerID: providerID,
		events:     append([]model.Event{}, sh.events...),
	}
	sh.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}

	sh.mu.Lock()
	sh.events = tx.events
	sh.mu.Unlock()

	s.mu.Lock()
	for _, id := range tx.created {
		s.owner[id] = providerID
	}
	s.mu.Unlock()
	return nil
}

func (sh *shard) acquire(ctx context.Context) error {
	select {
	case sh.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sh *shard) release() { <-sh.sem }

// memoryTx works on a private copy of the calendar that WithinProvider publishes
// on success.
type memoryTx struct {
	store      *MemoryStore
	providerID string
	events     []model.Event
	created    []string
	dirty      bool
}

func (tx *memoryTx) FindOverlapping(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return overlapping(tx.events, start, end, ""), nil
}

func (tx *memoryTx) Create(ctx context.Context, ev model.Event) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	ev, err := prepareCreate(tx.providerID, ev)
	if err != nil {
		return model.Event{}, err
	}
	if len(overlapping(tx.events, ev.StartTime, ev.EndTime, "")) > 0 {
		return model.Event{}, model.ErrConflict
	}

	now := tx.store.now()
	ev.ID = tx.store.newID()
	ev.CreatedAt = now
	ev.UpdatedAt = now

	tx.events = append(tx.events, ev)
	sortEvents(tx.events)
	tx.created = append(tx.created, ev.ID)
	tx.dirty = true
	return ev, nil
}

func (tx *memoryTx) Update(ctx context.Context, id string, patch model.EventPatch) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	i := indexOf(tx.events, id)
	if i < 0 {
		return model.Event{}, model.ErrNotFound
	}
	merged := patch.Apply(tx.events[i])
	if err := merged.Validate(); err != nil {
		return model.Event{}, err
	}
	if patch.MovesInterval() && len(overlapping(tx.events, merged.StartTime, merged.EndTime, id)) > 0 {
		return model.Event{}, model.ErrConflict
	}
	merged.UpdatedAt = tx.store.now()

	tx.events[i] = merged
	sortEvents(tx.events)
	tx.dirty = true
	return merged, nil
}

func overlapping(events []model.Event, start, end time.Time, skipID string) []model.Event {
	out := []model.Event{}
	for _, ev := range events {
		if !ev.StartTime.Before(end) {
			break
		}
		if ev.ID != skipID && ev.Overlaps(start, end) {
			out = append(out, ev)
		}
	}
	return out
}

func indexOf(events []model.Event, id string) int {
	for i := range events {
		if events[i].ID == id {
			return i
		}
	}
	return -1
}
