package storage

import (
	"context"
	"sort"
	"time"

	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
)

// Store persists calendar events. Every backend keeps the intervals of one provider
// pairwise disjoint under half-open semantics, whatever the event type.
type Store interface {
	Create(ctx context.Context, ev model.Event) (model.Event, error)
	Get(ctx context.Context, id string) (model.Event, error)
	ListByProvider(ctx context.Context, providerID string) ([]model.Event, error)
	Update(ctx context.Context, id string, patch model.EventPatch) (model.Event, error)
	Delete(ctx context.Context, id string) (bool, error)
	FindOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]model.Event, error)

	// WithinProvider runs fn while holding the provider's calendar exclusively.
	// Mutations made through tx are kept only if fn returns nil.
	WithinProvider(ctx context.Context, providerID string, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of one provider's calendar inside WithinProvider.
type Tx interface {
	FindOverlapping(ctx context.Context, start, end time.Time) ([]model.Event, error)
	Create(ctx context.Context, ev model.Event) (model.Event, error)
	Update(ctx context.Context, id string, patch model.EventPatch) (model.Event, error)
}

func sortEvents(events []model.Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return events[i].ID < events[j].ID
	})
}

// prepareCreate normalizes ev for insertion into providerID's calendar.
func prepareCreate(providerID string, ev model.Event) (model.Event, error) {
	if ev.ProviderID == "" {
		ev.ProviderID = providerID
	}
	if ev.ProviderID != providerID {
		return model.Event{}, model.NewValidationError("provider_id", "does not match the calendar being written")
	}
	ev.StartTime = ev.StartTime.UTC()
	ev.EndTime = ev.EndTime.UTC()
	if err := ev.Validate(); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}
