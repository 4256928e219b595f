package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lanceboard/lanceboard/libs/auth"
	"github.com/lanceboard/lanceboard/libs/httpx"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/availability"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/booking"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/idempotency"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/scheduling"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/storage"
)

const testSecret = "test-secret"

type testServer struct {
	mux   *http.ServeMux
	store storage.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newServer(t, storage.NewMemoryStore(), idempotency.NewMemoryStore(idempotency.Options{}))
}

func newServer(t *testing.T, store storage.Store, idem idempotency.Store) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	static, err := scheduling.NewStaticProvider(scheduling.StaticConfig{StartMinute: 9 * 60, EndMinute: 12 * 60})
	if err != nil {
		t.Fatalf("static provider: %v", err)
	}
	hours := scheduling.NewMemoryProvider(static)
	calc := availability.NewCalculator(store, hours, availability.WithStep(30*time.Minute))
	coord := booking.NewCoordinator(store, calc, logger, booking.Config{SlotGranularity: 30 * time.Minute})

	mux := http.NewServeMux()
	NewBookingHandler(coord, calc, idem, logger).Register(mux)
	NewCalendarHandler(coord, store, hours, logger).Register(mux, auth.RequireBearer(testSecret))
	return &testServer{mux: mux, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	return s.doCtx(t, context.Background(), method, path, body, header)
}

func (s *testServer) doCtx(t *testing.T, ctx context.Context, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf).WithContext(ctx)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func bearer(t *testing.T, providerID string) http.Header {
	t.Helper()
	token, err := auth.SignHS256(auth.Claims{
		ProviderID:       providerID,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}, testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return http.Header{"Authorization": {"Bearer " + token}}
}

func bookingBody(tm string) map[string]any {
	return map[string]any{
		"provider_id":      "p1",
		"date":             "2024-06-03",
		"time":             tm,
		"duration_minutes": 30,
		"client_name":      "Ada Lovelace",
		"client_email":     "ada@example.com",
		"client_phone":     "555-0100",
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestSlotsEndpoint(t *testing.T) {
	s := newTestServer(t)
	if rr := s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("10:00"), nil); rr.Code != http.StatusCreated {
		t.Fatalf("seed booking: %d %s", rr.Code, rr.Body.String())
	}

	rr := s.do(t, http.MethodGet, "/api/v1/public/slots?provider_id=p1&date=2024-06-03", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	slots := decode[[]slotItem](t, rr)
	want := []string{"09:00", "09:30", "10:30", "11:00", "11:30"}
	if len(slots) != len(want) {
		t.Fatalf("expected %d slots, got %+v", len(want), slots)
	}
	for i := range want {
		if slots[i].Time != want[i] {
			t.Fatalf("slot %d = %s, want %s", i, slots[i].Time, want[i])
		}
	}
	if slots[0].Formatted != "9:00 AM" || slots[0].StartTime != "2024-06-03T09:00:00Z" {
		t.Fatalf("unexpected slot rendering: %+v", slots[0])
	}
}

func TestLongerSlotsAreBookable(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/api/v1/public/slots?provider_id=p1&date=2024-06-03&duration_minutes=45", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	slots := decode[[]slotItem](t, rr)
	if len(slots) != 5 || slots[1].Time != "09:30" || slots[4].Time != "11:00" {
		t.Fatalf("slots should start on the 30-minute grid: %+v", slots)
	}

	for _, slot := range slots {
		fresh := newTestServer(t)
		body := bookingBody(slot.Time)
		body["duration_minutes"] = 45
		if rr := fresh.do(t, http.MethodPost, "/api/v1/public/bookings", body, nil); rr.Code != http.StatusCreated {
			t.Fatalf("advertised slot %s rejected: %d %s", slot.Time, rr.Code, rr.Body.String())
		}
	}
}

func TestSlotsEndpointErrors(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		query string
		code  int
	}{
		{"?provider_id=p1", http.StatusBadRequest},
		{"?provider_id=p1&date=2024-06-03&duration_minutes=abc", http.StatusBadRequest},
		{"?provider_id=p1&date=2024-06-03&duration_minutes=0", http.StatusUnprocessableEntity},
		{"?provider_id=p1&date=June", http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if rr := s.do(t, http.MethodGet, "/api/v1/public/slots"+tc.query, nil, nil); rr.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.query, tc.code, rr.Code, rr.Body.String())
		}
	}
}

func TestFullyBookedDayReturnsEmptyArray(t *testing.T) {
	s := newTestServer(t)
	for _, tm := range []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"} {
		if rr := s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody(tm), nil); rr.Code != http.StatusCreated {
			t.Fatalf("book %s: %d", tm, rr.Code)
		}
	}
	rr := s.do(t, http.MethodGet, "/api/v1/public/slots?provider_id=p1&date=2024-06-03", nil, nil)
	if rr.Code != http.StatusOK || bytes.TrimSpace(rr.Body.Bytes())[0] != '[' || len(decode[[]slotItem](t, rr)) != 0 {
		t.Fatalf("expected empty array, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestBookingEndpointStatusMapping(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("10:00"), nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decode[eventResponse](t, rr)
	if created.ID == "" || created.StartTime != "2024-06-03T10:00:00Z" || created.ClientEmail != "ada@example.com" {
		t.Fatalf("unexpected response: %+v", created)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("10:00"), nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if body := decode[httpx.ErrorBody](t, rr); body.Code != "slot_unavailable" || body.Error != "slot no longer available" {
		t.Fatalf("unexpected conflict body: %+v", body)
	}

	bad := bookingBody("10:30")
	bad["duration_minutes"] = 0
	rr = s.do(t, http.MethodPost, "/api/v1/public/bookings", bad, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if body := decode[httpx.ErrorBody](t, rr); body.Fields["duration_minutes"] == "" {
		t.Fatalf("expected duration_minutes field error: %+v", body)
	}

	unknown := bookingBody("10:30")
	unknown["surprise"] = true
	if rr := s.do(t, http.MethodPost, "/api/v1/public/bookings", unknown, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}
}

func TestBookingIdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	h := http.Header{IdempotencyKeyHeader: {"key-1"}}

	first := s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("11:00"), h)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	second := s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("11:00"), h)
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(idempotencyReplayedHeader) != "true" {
		t.Fatalf("replay header missing")
	}

	events, _ := s.store.ListByProvider(context.Background(), "p1")
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
}

func TestCancelledRequestReleasesIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	h := http.Header{IdempotencyKeyHeader: {"key-cancel"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if rr := s.doCtx(t, ctx, http.MethodPost, "/api/v1/public/bookings", bookingBody("10:00"), h); rr.Code != statusClientClosedRequest {
		t.Fatalf("expected %d, got %d", statusClientClosedRequest, rr.Code)
	}

	retry := s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("10:00"), h)
	if retry.Code != http.StatusCreated {
		t.Fatalf("retry should book, got %d: %s", retry.Code, retry.Body.String())
	}
	if retry.Header().Get(idempotencyReplayedHeader) != "" {
		t.Fatalf("retry must not replay the cancelled attempt")
	}
}

// cancelAfterCommit hangs up the client once the booking is committed.
type cancelAfterCommit struct {
	storage.Store
	cancel context.CancelFunc
}

func (s cancelAfterCommit) WithinProvider(ctx context.Context, providerID string, fn func(context.Context, storage.Tx) error) error {
	err := s.Store.WithinProvider(ctx, providerID, fn)
	s.cancel()
	return err
}

// strictIdempotency fails like a network-backed store once the context is done.
type strictIdempotency struct {
	idempotency.Store
}

func (s strictIdempotency) Complete(ctx context.Context, claim idempotency.Claim, rec idempotency.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Complete(ctx, claim, rec)
}

func (s strictIdempotency) Abandon(ctx context.Context, claim idempotency.Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Abandon(ctx, claim)
}

func TestOutcomeRecordedAfterClientHangsUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := storage.NewMemoryStore()
	s := newServer(t, cancelAfterCommit{Store: store, cancel: cancel},
		strictIdempotency{Store: idempotency.NewMemoryStore(idempotency.Options{})})
	h := http.Header{IdempotencyKeyHeader: {"key-hangup"}}

	first := s.doCtx(t, ctx, http.MethodPost, "/api/v1/public/bookings", bookingBody("10:00"), h)
	if first.Code != http.StatusCreated {
		t.Fatalf("commit should complete, got %d: %s", first.Code, first.Body.String())
	}

	retry := s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("10:00"), h)
	if retry.Code != http.StatusCreated || retry.Header().Get(idempotencyReplayedHeader) != "true" {
		t.Fatalf("retry should replay the booking, got %d: %s", retry.Code, retry.Body.String())
	}
	if retry.Body.String() != first.Body.String() {
		t.Fatalf("replayed body differs")
	}
	events, _ := store.ListByProvider(context.Background(), "p1")
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
}

func TestConcurrentBookingRequests(t *testing.T) {
	s := newTestServer(t)
	const n = 16
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("09:30"), nil).Code
		}(i)
	}
	wg.Wait()

	created, conflicts := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicts++
		}
	}
	if created != 1 || conflicts != n-1 {
		t.Fatalf("created=%d conflicts=%d codes=%v", created, conflicts, codes)
	}
}

func TestCalendarRequiresMatchingProvider(t *testing.T) {
	s := newTestServer(t)
	if rr := s.do(t, http.MethodGet, "/api/v1/providers/p1/events", nil, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/api/v1/providers/p1/events", nil, bearer(t, "p2")); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	rr := s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("10:00"), nil)
	id := decode[eventResponse](t, rr).ID
	if rr := s.do(t, http.MethodGet, "/api/v1/events/"+id, nil, bearer(t, "p2")); rr.Code != http.StatusNotFound {
		t.Fatalf("foreign event should be hidden, got %d", rr.Code)
	}
}

func TestCalendarLifecycle(t *testing.T) {
	s := newTestServer(t)
	owner := bearer(t, "p1")

	rr := s.do(t, http.MethodPost, "/api/v1/providers/p1/events", map[string]any{
		"type":       "block",
		"title":      "Lunch",
		"start_time": "2024-06-03T11:00:00Z",
		"end_time":   "2024-06-03T12:00:00Z",
	}, owner)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create block: %d %s", rr.Code, rr.Body.String())
	}
	block := decode[eventResponse](t, rr)

	if rr := s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("11:30"), nil); rr.Code != http.StatusConflict {
		t.Fatalf("booking over a block should conflict, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("09:00"), nil)
	booked := decode[eventResponse](t, rr)

	rr = s.do(t, http.MethodPatch, "/api/v1/events/"+booked.ID, map[string]any{
		"start_time": "2024-06-03T11:15:00Z",
		"end_time":   "2024-06-03T11:45:00Z",
	}, owner)
	if rr.Code != http.StatusConflict {
		t.Fatalf("reschedule onto block should conflict, got %d", rr.Code)
	}

	rr = s.do(t, http.MethodPatch, "/api/v1/events/"+booked.ID, map[string]any{"notes": "bring portfolio"}, owner)
	if rr.Code != http.StatusOK || decode[eventResponse](t, rr).Notes != "bring portfolio" {
		t.Fatalf("patch notes: %d %s", rr.Code, rr.Body.String())
	}

	rr = s.do(t, http.MethodGet, "/api/v1/providers/p1/events", nil, owner)
	events := decode[[]eventResponse](t, rr)
	if len(events) != 2 || events[0].ID != booked.ID || events[1].ID != block.ID {
		t.Fatalf("unexpected listing: %+v", events)
	}

	if rr := s.do(t, http.MethodDelete, "/api/v1/events/"+block.ID, nil, owner); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/api/v1/events/"+block.ID, nil, owner); rr.Code != http.StatusNotFound {
		t.Fatalf("deleted event: %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/api/v1/public/bookings", bookingBody("11:30"), nil); rr.Code != http.StatusCreated {
		t.Fatalf("freed interval should be bookable, got %d", rr.Code)
	}
}

func TestPutWorkingHours(t *testing.T) {
	s := newTestServer(t)
	owner := bearer(t, "p1")

	rr := s.do(t, http.MethodPut, "/api/v1/providers/p1/working-hours/monday", map[string]any{
		"working": true, "start": "10:00", "end": "11:00",
	}, owner)
	if rr.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rr.Code, rr.Body.String())
	}
	if got := decode[workingHoursResponse](t, rr); got.Weekday != "monday" || got.Start != "10:00" {
		t.Fatalf("unexpected response: %+v", got)
	}

	rr = s.do(t, http.MethodGet, "/api/v1/public/slots?provider_id=p1&date=2024-06-03", nil, nil)
	if slots := decode[[]slotItem](t, rr); len(slots) != 2 || slots[0].Time != "10:00" {
		t.Fatalf("slots should follow the new hours: %+v", slots)
	}

	rr = s.do(t, http.MethodGet, "/api/v1/providers/p1/working-hours", nil, owner)
	week := decode[[]workingHoursResponse](t, rr)
	if len(week) != 7 || week[1].Start != "10:00" || week[2].Start != "09:00" || week[2].End != "12:00" {
		t.Fatalf("unexpected week: %+v", week)
	}

	rr = s.do(t, http.MethodPut, "/api/v1/providers/p1/working-hours/monday", map[string]any{
		"working": true, "start": "11:00", "end": "10:00",
	}, owner)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPut, "/api/v1/providers/p1/working-hours/someday", map[string]any{"working": false}, owner); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestErrorResponseMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{model.NewValidationError("date", "bad"), http.StatusUnprocessableEntity},
		{model.ErrConflict, http.StatusConflict},
		{model.ErrNotFound, http.StatusNotFound},
		{model.Unavailable("op", errors.New("down")), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{idempotency.ErrInProgress, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := errorResponse(tc.err); got != tc.code {
			t.Fatalf("errorResponse(%v) = %d, want %d", tc.err, got, tc.code)
		}
	}

	rr := httptest.NewRecorder()
	writeServiceError(rr, nil, model.Unavailable("op", errors.New("down")))
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("503 should carry Retry-After")
	}
}
