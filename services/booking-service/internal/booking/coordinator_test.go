package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lanceboard/lanceboard/services/booking-service/internal/availability"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/scheduling"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/storage"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.MemoryStore) {
	t.Helper()
	hours, err := scheduling.NewStaticProvider(scheduling.StaticConfig{StartMinute: 9 * 60, EndMinute: 17 * 60})
	if err != nil {
		t.Fatalf("NewStaticProvider: %v", err)
	}
	store := storage.NewMemoryStore()
	calc := availability.NewCalculator(store, hours)
	return NewCoordinator(store, calc, testLogger, Config{SlotGranularity: 30 * time.Minute}), store
}

func request(provider, tm string, minutes int) model.BookingRequest {
	return model.BookingRequest{
		ProviderID:      provider,
		Date:            "2024-06-03",
		Time:            tm,
		DurationMinutes: minutes,
		ClientName:      "Ada Lovelace",
		ClientEmail:     "ada@example.com",
		ClientPhone:     "+44 20 7946 0000",
	}
}

func TestBookCreatesBooking(t *testing.T) {
	c, store := newTestCoordinator(t)
	ev, err := c.Book(context.Background(), request("p1", "10:00", 30))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	want := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	if ev.ID == "" || ev.Type != model.EventTypeBooking || !ev.StartTime.Equal(want) || !ev.EndTime.Equal(want.Add(30*time.Minute)) {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ClientEmail != "ada@example.com" || ev.Title != "Booking: Ada Lovelace" {
		t.Fatalf("contact details not carried: %+v", ev)
	}
	if _, err := store.Get(context.Background(), ev.ID); err != nil {
		t.Fatalf("event not stored: %v", err)
	}
}

func TestBookConflict(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	if _, err := c.Book(ctx, request("p1", "10:00", 60)); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	if _, err := c.Book(ctx, request("p1", "10:30", 30)); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := c.Book(ctx, request("p1", "11:00", 30)); err != nil {
		t.Fatalf("abutting booking should succeed: %v", err)
	}
	if _, err := c.Book(ctx, request("p1", "09:30", 30)); err != nil {
		t.Fatalf("booking ending at the next start should succeed: %v", err)
	}
}

func TestBookValidation(t *testing.T) {
	c, store := newTestCoordinator(t)
	cases := []struct {
		name  string
		edit  func(*model.BookingRequest)
		field string
	}{
		{"zero duration", func(r *model.BookingRequest) { r.DurationMinutes = 0 }, "duration_minutes"},
		{"bad email", func(r *model.BookingRequest) { r.ClientEmail = "nope" }, "client_email"},
		{"missing name", func(r *model.BookingRequest) { r.ClientName = "" }, "client_name"},
		{"bad date", func(r *model.BookingRequest) { r.Date = "03/06/2024" }, "date"},
		{"bad time", func(r *model.BookingRequest) { r.Time = "25:00" }, "time"},
		{"unaligned", func(r *model.BookingRequest) { r.Time = "10:10" }, "time"},
		{"before hours", func(r *model.BookingRequest) { r.Time = "08:30" }, "time"},
		{"runs past hours", func(r *model.BookingRequest) { r.Time = "16:30"; r.DurationMinutes = 60 }, "time"},
		{"missing provider", func(r *model.BookingRequest) { r.ProviderID = "  " }, "provider_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := request("p1", "10:00", 30)
			tc.edit(&req)
			_, err := c.Book(context.Background(), req)
			var verr *model.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := verr.Fields[tc.field]; !ok {
				t.Fatalf("expected field %q, got %v", tc.field, verr.Fields)
			}
		})
	}
	events, _ := store.ListByProvider(context.Background(), "p1")
	if len(events) != 0 {
		t.Fatalf("invalid requests must not create events: %+v", events)
	}
}

func TestBookNonWorkingDay(t *testing.T) {
	hours, _ := scheduling.NewStaticProvider(scheduling.StaticConfig{StartMinute: 540, EndMinute: 1020, Days: []time.Weekday{time.Tuesday}})
	store := storage.NewMemoryStore()
	c := NewCoordinator(store, availability.NewCalculator(store, hours), testLogger, Config{})
	_, err := c.Book(context.Background(), request("p1", "10:00", 30))
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Fields["date"] == "" {
		t.Fatalf("expected date validation error, got %v", err)
	}
}

func TestConcurrentBookingsExactlyOneWins(t *testing.T) {
	c, store := newTestCoordinator(t)
	const n = 32

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := c.Book(context.Background(), request("p1", "14:00", 30))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, model.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 || conflicts != n-1 || len(others) != 0 {
		t.Fatalf("successes=%d conflicts=%d others=%v", successes, conflicts, others)
	}
	events, _ := store.ListByProvider(context.Background(), "p1")
	if len(events) != 1 {
		t.Fatalf("expected one stored event, got %d", len(events))
	}
}

func TestDifferentProvidersDoNotConflict(t *testing.T) {
	c, _ := newTestCoordinator(t)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Book(context.Background(), request(string(rune('a'+i)), "09:00", 60))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("provider %d: %v", i, err)
		}
	}
}

func TestBookCancelledBeforeCommit(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Book(ctx, request("p1", "10:00", 30)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	events, _ := store.ListByProvider(context.Background(), "p1")
	if len(events) != 0 {
		t.Fatalf("cancelled request created an event")
	}
}

// cancellingStore cancels the caller's context once the commit has started.
type cancellingStore struct {
	storage.Store
	cancel context.CancelFunc
}

func (s cancellingStore) WithinProvider(ctx context.Context, providerID string, fn func(context.Context, storage.Tx) error) error {
	s.cancel()
	return s.Store.WithinProvider(ctx, providerID, fn)
}

func TestCommitIgnoresLateCancellation(t *testing.T) {
	inner := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCoordinator(cancellingStore{Store: inner, cancel: cancel}, nil, testLogger, Config{})

	ev, err := c.Book(ctx, request("p1", "10:00", 30))
	if err != nil {
		t.Fatalf("commit should complete after it started: %v", err)
	}
	if _, err := inner.Get(context.Background(), ev.ID); err != nil {
		t.Fatalf("event missing: %v", err)
	}
}

// lostCommitStore runs fn but fails the commit, as a backend that loses its lock would.
type lostCommitStore struct {
	storage.Store
}

var errLostCommit = errors.New("commit lost")

func (s lostCommitStore) WithinProvider(ctx context.Context, providerID string, fn func(context.Context, storage.Tx) error) error {
	err := s.Store.WithinProvider(ctx, providerID, func(ctx context.Context, tx storage.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return errLostCommit
	})
	return model.Unavailable("commit", err)
}

func TestFailedCommitReturnsNoEvent(t *testing.T) {
	inner := storage.NewMemoryStore()
	c := NewCoordinator(lostCommitStore{Store: inner}, nil, testLogger, Config{})

	ev, err := c.Book(context.Background(), request("p1", "10:00", 30))
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if ev.ID != "" {
		t.Fatalf("failed commit returned an event: %+v", ev)
	}
	if events, _ := inner.ListByProvider(context.Background(), "p1"); len(events) != 0 {
		t.Fatalf("nothing should be stored, got %+v", events)
	}
}

func TestRescheduleAndCancel(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	a, _ := c.Book(ctx, request("p1", "10:00", 60))
	b, _ := c.Book(ctx, request("p1", "12:00", 60))

	// Overlapping its own old interval is fine.
	moved, err := c.Reschedule(ctx, a.ID, a.StartTime.Add(30*time.Minute), a.EndTime.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if !moved.StartTime.Equal(a.StartTime.Add(30 * time.Minute)) {
		t.Fatalf("unexpected start: %v", moved.StartTime)
	}

	if _, err := c.Reschedule(ctx, a.ID, b.StartTime, b.EndTime); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := c.Reschedule(ctx, a.ID, b.EndTime, b.StartTime); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if err := c.Cancel(ctx, b.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := c.Cancel(ctx, b.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := c.Book(ctx, request("p1", "12:00", 60)); err != nil {
		t.Fatalf("cancelled interval should be free: %v", err)
	}
	if _, err := c.Reschedule(ctx, "missing", b.StartTime, b.EndTime); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAddEventBlocksBookings(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	day := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	_, err := c.AddEvent(ctx, model.Event{
		ProviderID: "p1", Type: model.EventTypeBlock, Title: "Lunch",
		StartTime: day.Add(12 * time.Hour), EndTime: day.Add(13 * time.Hour),
	})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if _, err := c.Book(ctx, request("p1", "12:30", 30)); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("block should conflict with bookings, got %v", err)
	}
	if _, err := c.AddEvent(ctx, model.Event{ProviderID: "p1", Type: "holiday", StartTime: day, EndTime: day.Add(time.Hour)}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("unknown type should be rejected, got %v", err)
	}
}
