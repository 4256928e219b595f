package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/scheduling"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/lanceboard/lanceboard/services/booking-service/internal/booking"

// WindowResolver returns a provider's working-hours window for a day.
type WindowResolver interface {
	Window(ctx context.Context, providerID string, day time.Time) (scheduling.Window, error)
}

type Config struct {
	// SlotGranularity is the step booking start times must align to, measured from
	// the start of the working-hours window.
	SlotGranularity time.Duration
	// CommitTimeout bounds the commit, which no longer observes the caller's
	// cancellation once started.
	CommitTimeout time.Duration
}

// Coordinator turns booking requests into events. The overlap check and the insert
// run inside the store's per-provider exclusive section, so two overlapping requests
// for one provider can never both succeed.
type Coordinator struct {
	store    storage.Store
	hours    WindowResolver
	logger   *slog.Logger
	tracer   trace.Tracer
	validate *validator.Validate
	cfg      Config
}

func NewCoordinator(store storage.Store, hours WindowResolver, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.SlotGranularity <= 0 {
		cfg.SlotGranularity = 30 * time.Minute
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		hours:    hours,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		validate: newValidator(),
		cfg:      cfg,
	}
}

func (c *Coordinator) SlotGranularity() time.Duration {
	return c.cfg.SlotGranularity
}

// Book validates req and atomically creates the booking if its interval is free.
func (c *Coordinator) Book(ctx context.Context, req model.BookingRequest) (model.Event, error) {
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.ClientEmail = strings.TrimSpace(req.ClientEmail)
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return model.Event{}, validationError(err)
	}

	start, err := time.ParseInLocation("2006-01-02 15:04", req.Date+" "+req.Time, time.UTC)
	if err != nil {
		return model.Event{}, model.NewValidationError("time", "must be a valid date and time")
	}
	end := start.Add(time.Duration(req.DurationMinutes) * time.Minute)
	if err := c.checkWindow(ctx, req.ProviderID, start, end); err != nil {
		return model.Event{}, err
	}

	ev := model.Event{
		ProviderID:  req.ProviderID,
		Type:        model.EventTypeBooking,
		Title:       "Booking: " + strings.TrimSpace(req.ClientName),
		StartTime:   start,
		EndTime:     end,
		ClientName:  strings.TrimSpace(req.ClientName),
		ClientEmail: req.ClientEmail,
		ClientPhone: strings.TrimSpace(req.ClientPhone),
		Notes:       req.Notes,
		Location:    req.Location,
	}
	created, err := c.create(ctx, ev)
	c.logOutcome("book", ev, created.ID, err)
	return created, err
}

// AddEvent records a provider-entered event (block, meeting, task) under the same
// overlap rules as bookings. Working hours do not constrain it.
func (c *Coordinator) AddEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	ev.ProviderID = strings.TrimSpace(ev.ProviderID)
	ev.StartTime = ev.StartTime.UTC()
	ev.EndTime = ev.EndTime.UTC()
	if err := ev.Validate(); err != nil {
		return model.Event{}, err
	}
	created, err := c.create(ctx, ev)
	c.logOutcome("add", ev, created.ID, err)
	return created, err
}

// Reschedule moves an event to [start,end). The event's own old interval never
// counts as a conflict.
func (c *Coordinator) Reschedule(ctx context.Context, id string, start, end time.Time) (model.Event, error) {
	start, end = start.UTC(), end.UTC()
	return c.Update(ctx, id, model.EventPatch{StartTime: &start, EndTime: &end})
}

// Update applies patch to an event. Patches that move the interval are committed
// through the provider's exclusive section with an overlap re-check.
func (c *Coordinator) Update(ctx context.Context, id string, patch model.EventPatch) (model.Event, error) {
	current, err := c.store.Get(ctx, id)
	if err != nil {
		return model.Event{}, err
	}
	merged := patch.Apply(current)
	if err := merged.Validate(); err != nil {
		return model.Event{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}

	var updated model.Event
	err = c.commit(ctx, current.ProviderID, func(ctx context.Context, tx storage.Tx) error {
		if patch.MovesInterval() {
			clash, err := tx.FindOverlapping(ctx, merged.StartTime, merged.EndTime)
			if err != nil {
				return err
			}
			for _, other := range clash {
				if other.ID != id {
					return model.ErrConflict
				}
			}
		}
		var err error
		updated, err = tx.Update(ctx, id, patch)
		return err
	})
	c.logOutcome("update", merged, id, err)
	if err != nil {
		return model.Event{}, err
	}
	return updated, nil
}

// Cancel removes an event from the calendar, freeing its interval.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	ok, err := c.store.Delete(ctx, id)
	if err != nil {
		c.logger.Error("cancel failed", "event_id", id, "err", err)
		return err
	}
	if !ok {
		return model.ErrNotFound
	}
	c.logger.Info("event cancelled", "event_id", id)
	return nil
}

func (c *Coordinator) checkWindow(ctx context.Context, providerID string, start, end time.Time) error {
	if c.hours == nil {
		return nil
	}
	w, err := c.hours.Window(ctx, providerID, start)
	if err != nil {
		return err
	}
	if !w.Working {
		return model.NewValidationError("date", "provider is not working on this day")
	}
	if start.Before(w.Start) || end.After(w.End) {
		return model.NewValidationError("time", "outside the provider's working hours")
	}
	if start.Sub(w.Start)%c.cfg.SlotGranularity != 0 {
		return model.NewValidationError("time", fmt.Sprintf("must align to %d-minute slots", int(c.cfg.SlotGranularity/time.Minute)))
	}
	return nil
}

func (c *Coordinator) create(ctx context.Context, ev model.Event) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	var created model.Event
	err := c.commit(ctx, ev.ProviderID, func(ctx context.Context, tx storage.Tx) error {
		clash, err := tx.FindOverlapping(ctx, ev.StartTime, ev.EndTime)
		if err != nil {
			return err
		}
		if len(clash) > 0 {
			return model.ErrConflict
		}
		created, err = tx.Create(ctx, ev)
		return err
	})
	if err != nil {
		return model.Event{}, err
	}
	return created, nil
}

// commit runs fn in the provider's exclusive section. Once started it ignores the
// caller's cancellation and is bounded by CommitTimeout instead.
func (c *Coordinator) commit(ctx context.Context, providerID string, fn func(ctx context.Context, tx storage.Tx) error) error {
	ctx, span := c.tracer.Start(ctx, "booking.commit", trace.WithAttributes(attribute.String("provider_id", providerID)))
	defer span.End()

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()

	err := c.store.WithinProvider(commitCtx, providerID, fn)
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, model.ErrStoreUnavailable) {
		err = model.Unavailable("commit", err)
	}
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, model.ErrConflict):
		span.SetAttributes(attribute.Bool("booking.conflict", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Coordinator) logOutcome(op string, ev model.Event, id string, err error) {
	attrs := []any{
		"op", op,
		"provider_id", ev.ProviderID,
		"start", ev.StartTime.Format(time.RFC3339),
		"end", ev.EndTime.Format(time.RFC3339),
	}
	switch {
	case err == nil:
		c.logger.Info("calendar event committed", append(attrs, "event_id", id)...)
	case errors.Is(err, model.ErrConflict):
		c.logger.Info("calendar event conflict", attrs...)
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrNotFound):
		c.logger.Debug("calendar event rejected", append(attrs, "err", err)...)
	default:
		c.logger.Error("calendar event commit failed", append(attrs, "err", err)...)
	}
}
