package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/lanceboard/lanceboard/libs/auth"
	"github.com/lanceboard/lanceboard/libs/httpx"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/booking"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/scheduling"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/storage"
)

// CalendarHandler serves the provider-facing calendar API. Every route runs behind
// bearer auth and only touches the calendar of the token's provider.
type CalendarHandler struct {
	coordinator *booking.Coordinator
	store       storage.Store
	hours       scheduling.Writer
	logger      *slog.Logger
}

// NewCalendarHandler accepts a nil hours writer; the working-hours route then
// answers 501.
func NewCalendarHandler(coordinator *booking.Coordinator, store storage.Store, hours scheduling.Writer, logger *slog.Logger) *CalendarHandler {
	return &CalendarHandler{coordinator: coordinator, store: store, hours: hours, logger: logger}
}

func (h *CalendarHandler) Register(mux *http.ServeMux, authn httpx.Middleware) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, httpx.Chain(fn, authn))
	}
	handle("GET /api/v1/providers/{providerID}/events", h.List)
	handle("POST /api/v1/providers/{providerID}/events", h.Create)
	handle("GET /api/v1/providers/{providerID}/working-hours", h.ListWorkingHours)
	handle("PUT /api/v1/providers/{providerID}/working-hours/{weekday}", h.PutWorkingHours)
	handle("GET /api/v1/events/{eventID}", h.Get)
	handle("PATCH /api/v1/events/{eventID}", h.Patch)
	handle("DELETE /api/v1/events/{eventID}", h.Delete)
}

// authorizedProvider returns the path's provider id when the caller's token is for it.
func authorizedProvider(w http.ResponseWriter, r *http.Request) (string, bool) {
	providerID := strings.TrimSpace(r.PathValue("providerID"))
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}
	if providerID == "" || claims.ProviderID != providerID {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "token does not grant access to this calendar")
		return "", false
	}
	return providerID, true
}

// ownedEvent loads the path's event. Events of other providers are reported as
// missing so ids cannot be enumerated.
func (h *CalendarHandler) ownedEvent(w http.ResponseWriter, r *http.Request) (model.Event, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return model.Event{}, false
	}
	ev, err := h.store.Get(r.Context(), r.PathValue("eventID"))
	if err == nil && ev.ProviderID != claims.ProviderID {
		err = model.ErrNotFound
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return model.Event{}, false
	}
	return ev, true
}

func (h *CalendarHandler) List(w http.ResponseWriter, r *http.Request) {
	providerID, ok := authorizedProvider(w, r)
	if !ok {
		return
	}
	events, err := h.store.ListByProvider(r.Context(), providerID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventResponse(ev))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *CalendarHandler) Create(w http.ResponseWriter, r *http.Request) {
	providerID, ok := authorizedProvider(w, r)
	if !ok {
		return
	}
	var req createEventRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid json body: "+err.Error())
		return
	}
	ev, err := h.coordinator.AddEvent(r.Context(), req.event(providerID))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toEventResponse(ev))
}

func (h *CalendarHandler) Get(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.ownedEvent(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toEventResponse(ev))
}

func (h *CalendarHandler) Patch(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.ownedEvent(w, r)
	if !ok {
		return
	}
	var req patchEventRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid json body: "+err.Error())
		return
	}
	updated, err := h.coordinator.Update(r.Context(), ev.ID, req.patch())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toEventResponse(updated))
}

func (h *CalendarHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.ownedEvent(w, r)
	if !ok {
		return
	}
	if err := h.coordinator.Cancel(r.Context(), ev.ID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CalendarHandler) ListWorkingHours(w http.ResponseWriter, r *http.Request) {
	providerID, ok := authorizedProvider(w, r)
	if !ok {
		return
	}
	if h.hours == nil {
		httpx.WriteError(w, http.StatusNotImplemented, "not_supported", "working hours are managed by the scheduling service")
		return
	}
	week, err := h.hours.ListWorkingHours(r.Context(), providerID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	out := make([]workingHoursResponse, 0, len(week))
	for _, wh := range week {
		out = append(out, toWorkingHoursResponse(providerID, wh))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *CalendarHandler) PutWorkingHours(w http.ResponseWriter, r *http.Request) {
	providerID, ok := authorizedProvider(w, r)
	if !ok {
		return
	}
	if h.hours == nil {
		httpx.WriteError(w, http.StatusNotImplemented, "not_supported", "working hours are managed by the scheduling service")
		return
	}
	weekday, err := scheduling.ParseWeekday(r.PathValue("weekday"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req workingHoursRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid json body: "+err.Error())
		return
	}

	hours := scheduling.Hours{Weekday: weekday, Working: req.Working}
	if req.Working {
		start, err := scheduling.ParseClock(req.Start)
		if err != nil {
			writeServiceError(w, h.logger, model.NewValidationError("start", err.Error()))
			return
		}
		end, err := scheduling.ParseClock(req.End)
		if err != nil {
			writeServiceError(w, h.logger, model.NewValidationError("end", err.Error()))
			return
		}
		hours.StartMinute, hours.EndMinute = start, end
	}
	if err := h.hours.UpsertWorkingHours(r.Context(), providerID, hours); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, toWorkingHoursResponse(providerID, hours))
}
