package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
)

// MemoryProvider layers per-provider overrides, set through UpsertWorkingHours, on
// top of a static policy. Used when no database backs the service.
type MemoryProvider struct {
	fallback *StaticProvider

	mu        sync.RWMutex
	overrides map[string]map[time.Weekday]Hours
}

func NewMemoryProvider(fallback *StaticProvider) *MemoryProvider {
	if fallback == nil {
		fallback = FullDayProvider()
	}
	return &MemoryProvider{fallback: fallback, overrides: map[string]map[time.Weekday]Hours{}}
}

func (p *MemoryProvider) WorkingHours(_ context.Context, providerID string, day time.Time) (Window, error) {
	wd := day.UTC().Weekday()
	p.mu.RLock()
	h, ok := p.overrides[providerID][wd]
	p.mu.RUnlock()
	if !ok {
		h = p.fallback.Hours(wd)
	}
	return h.On(day), nil
}

func (p *MemoryProvider) UpsertWorkingHours(_ context.Context, providerID string, h Hours) error {
	if providerID == "" {
		return model.NewValidationError("provider_id", "is required")
	}
	if err := h.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.overrides[providerID] == nil {
		p.overrides[providerID] = map[time.Weekday]Hours{}
	}
	p.overrides[providerID][h.Weekday] = h
	return nil
}

func (p *MemoryProvider) ListWorkingHours(_ context.Context, providerID string) ([]Hours, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	week := make([]Hours, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		h, ok := p.overrides[providerID][wd]
		if !ok {
			h = p.fallback.Hours(wd)
		}
		week[wd] = h
	}
	return week, nil
}
