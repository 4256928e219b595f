package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lanceboard/lanceboard/libs/httpx"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/idempotency"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
)

// statusClientClosedRequest is logged when the client went away before the outcome.
const statusClientClosedRequest = 499

// errorResponse maps a service error onto the HTTP status and body clients see.
func errorResponse(err error) (int, httpx.ErrorBody) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, httpx.ErrorBody{Error: "validation failed", Code: "validation_failed", Fields: verr.Fields}
	case errors.Is(err, model.ErrValidation):
		return http.StatusUnprocessableEntity, httpx.ErrorBody{Error: err.Error(), Code: "validation_failed"}
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, httpx.ErrorBody{Error: "slot no longer available", Code: "slot_unavailable"}
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, httpx.ErrorBody{Error: "a request with this idempotency key is in progress", Code: "request_in_progress"}
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, httpx.ErrorBody{Error: "event not found", Code: "not_found"}
	case errors.Is(err, model.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, httpx.ErrorBody{Error: "calendar temporarily unavailable, retry shortly", Code: "store_unavailable"}
	case errors.Is(err, context.Canceled):
		// The client is gone; the status is for the access log only.
		return statusClientClosedRequest, httpx.ErrorBody{Error: "request cancelled", Code: "cancelled"}
	default:
		return http.StatusInternalServerError, httpx.ErrorBody{Error: "internal error", Code: "internal_error"}
	}
}

func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "status", status, "err", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	httpx.WriteJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	httpx.WriteError(w, http.StatusBadRequest, "invalid_request", msg)
}
