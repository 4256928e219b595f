package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lanceboard/lanceboard/libs/httpx"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/availability"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/booking"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/idempotency"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
)

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	idempotencyReplayedHeader = "Idempotent-Replayed"
	maxIdempotencyKeyLen      = 255
	idempotencySettleTimeout  = 2 * time.Second
)

// BookingHandler serves the public, unauthenticated booking API used by the
// client-facing pages.
type BookingHandler struct {
	coordinator *booking.Coordinator
	calc        *availability.Calculator
	idem        idempotency.Store
	logger      *slog.Logger
}

// NewBookingHandler accepts a nil idempotency store, in which case the
// Idempotency-Key header is ignored.
func NewBookingHandler(coordinator *booking.Coordinator, calc *availability.Calculator, idem idempotency.Store, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{
		coordinator: coordinator,
		calc:        calc,
		idem:        idem,
		logger:      logger,
	}
}

func (h *BookingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/public/slots", h.Slots)
	mux.HandleFunc("POST /api/v1/public/bookings", h.Create)
}

func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerID := strings.TrimSpace(q.Get("provider_id"))
	date := strings.TrimSpace(q.Get("date"))
	if providerID == "" || date == "" {
		writeBadRequest(w, "provider_id and date are required")
		return
	}

	duration := h.coordinator.SlotGranularity()
	if raw := strings.TrimSpace(q.Get("duration_minutes")); raw != "" {
		mins, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "duration_minutes must be an integer")
			return
		}
		duration = time.Duration(mins) * time.Minute
	}

	slots, err := h.calc.Slots(r.Context(), providerID, date, duration)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSlotItems(slots))
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.BookingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid json body: "+err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" || h.idem == nil {
		status, body := h.book(r, req)
		writeRaw(w, status, body)
		return
	}
	if len(key) > maxIdempotencyKeyLen {
		writeBadRequest(w, "Idempotency-Key is too long")
		return
	}

	ctx := r.Context()
	scope := strings.TrimSpace(req.ProviderID)
	claim, rec, done, err := h.idem.Begin(ctx, scope, key)
	if err != nil {
		if !errors.Is(err, idempotency.ErrInProgress) {
			h.logger.Warn("idempotency store unavailable", "err", err)
			w.Header().Set("Retry-After", "1")
			httpx.WriteError(w, http.StatusServiceUnavailable, "idempotency_unavailable", "idempotency store unavailable")
			return
		}
		writeServiceError(w, h.logger, err)
		return
	}
	if done {
		w.Header().Set(idempotencyReplayedHeader, "true")
		writeRaw(w, rec.StatusCode, rec.Body)
		return
	}

	status, body := h.book(r, req)
	h.settle(ctx, claim, status, body)
	writeRaw(w, status, body)
}

// settle stores the outcome for replay under the claim. Server failures and requests
// the client abandoned are not final, so their claim is released for a retry. It runs
// detached from the request so a client that hung up cannot strand the claim.
func (h *BookingHandler) settle(ctx context.Context, claim idempotency.Claim, status int, body []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idempotencySettleTimeout)
	defer cancel()

	if status >= http.StatusInternalServerError || status == statusClientClosedRequest {
		if err := h.idem.Abandon(ctx, claim); err != nil {
			h.logger.Warn("idempotency abandon failed", "err", err)
		}
		return
	}
	if err := h.idem.Complete(ctx, claim, idempotency.Record{StatusCode: status, Body: body}); err != nil {
		h.logger.Warn("idempotency complete failed", "err", err)
	}
}

// book runs the booking and renders the outcome, so it can be both written and
// stored for replay.
func (h *BookingHandler) book(r *http.Request, req model.BookingRequest) (int, []byte) {
	ev, err := h.coordinator.Book(r.Context(), req)
	if err != nil {
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("booking failed", "provider_id", req.ProviderID, "err", err)
		}
		return status, mustJSON(body)
	}
	return http.StatusCreated, mustJSON(toEventResponse(ev))
}

func mustJSON(v any) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"failed to build response","code":"internal_error"}`)
	}
	return body
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
