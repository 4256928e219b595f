package availability

import (
	"context"
	"strings"
	"time"

	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/scheduling"
)

// SlotLabelLayout renders TimeSlot.Formatted, e.g. "9:30 AM".
const SlotLabelLayout = "3:04 PM"

// EventFinder is the read side of the event store the calculator needs.
type EventFinder interface {
	FindOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]model.Event, error)
}

// Calculator derives free slots from a provider's working hours and stored events.
// It only reads, so it needs no coordination with in-flight bookings.
type Calculator struct {
	events   EventFinder
	hours    scheduling.Provider
	now      func() time.Time
	hidePast bool
	step     time.Duration
}

type Option func(*Calculator)

func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// WithHidePast drops slots that start before the clock's current time.
func WithHidePast(hide bool) Option {
	return func(c *Calculator) { c.hidePast = hide }
}

// WithStep makes Slots offer starts every step from the window start, whatever the
// slot duration. Bookings accept only starts on that grid, so the two must match.
func WithStep(step time.Duration) Option {
	return func(c *Calculator) { c.step = step }
}

// NewCalculator uses a full-day policy when hours is nil.
func NewCalculator(events EventFinder, hours scheduling.Provider, opts ...Option) *Calculator {
	if hours == nil {
		hours = scheduling.FullDayProvider()
	}
	c := &Calculator{
		events: events,
		hours:  hours,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Window returns the working-hours window of providerID on day's UTC date.
func (c *Calculator) Window(ctx context.Context, providerID string, day time.Time) (scheduling.Window, error) {
	return c.hours.WorkingHours(ctx, providerID, scheduling.Midnight(day))
}

// Slots lists the free [t, t+slotDuration) intervals of date ("YYYY-MM-DD"), walking the
// working-hours window in the configured step, or in slotDuration steps without one.
// A fully booked or non-working day yields an empty list.
func (c *Calculator) Slots(ctx context.Context, providerID, date string, slotDuration time.Duration) ([]model.TimeSlot, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, model.NewValidationError("provider_id", "is required")
	}
	day, err := time.Parse(time.DateOnly, strings.TrimSpace(date))
	if err != nil {
		return nil, model.NewValidationError("date", "must be YYYY-MM-DD")
	}
	if slotDuration <= 0 {
		return nil, model.NewValidationError("duration_minutes", "must be greater than 0")
	}

	w, err := c.Window(ctx, providerID, day)
	if err != nil {
		return nil, err
	}
	if !w.Working {
		return []model.TimeSlot{}, nil
	}

	events, err := c.events.FindOverlapping(ctx, providerID, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	busy := make([]Interval, 0, len(events))
	for _, ev := range events {
		busy = append(busy, Interval{Start: ev.StartTime, End: ev.EndTime})
	}

	var now time.Time
	if c.hidePast {
		now = c.now()
	}
	step := c.step
	if step <= 0 {
		step = slotDuration
	}
	starts := AvailableSlots(w.Start, w.End, slotDuration, step, busy, now)
	slots := make([]model.TimeSlot, 0, len(starts))
	for _, s := range starts {
		slots = append(slots, model.TimeSlot{
			Start:     s,
			End:       s.Add(slotDuration),
			Formatted: s.Format(SlotLabelLayout),
		})
	}
	return slots, nil
}
