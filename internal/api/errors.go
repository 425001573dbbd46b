package api

import (
	"errors"
	"fmt"
	"net/http"

	"ms-reservation/internal/checkout"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/utils"
)

// statusFor maps domain errors onto HTTP status codes and a public message.
func statusFor(err error) (int, string) {
	var exhausted *models.InventoryExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return http.StatusConflict, "Not enough tickets available"
	case errors.Is(err, models.ErrInventoryExhausted):
		return http.StatusConflict, "Not enough tickets available"
	case errors.Is(err, models.ErrInvalidReservation),
		errors.Is(err, models.ErrCategoryEventMismatch):
		return http.StatusBadRequest, "Invalid reservation request"
	case errors.Is(err, models.ErrReservationNotFound):
		return http.StatusNotFound, "Reservation not found"
	case errors.Is(err, models.ErrCategoryNotFound):
		return http.StatusNotFound, "Category not found"
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound, "Checkout session not found"
	case errors.Is(err, models.ErrReservationNotOwned):
		return http.StatusForbidden, "Reservation belongs to another user"
	case errors.Is(err, models.ErrReservationExpired):
		return http.StatusConflict, "Reservation is no longer pending"
	case errors.Is(err, models.ErrCapacityBelowCommitted),
		errors.Is(err, models.ErrReservedUnderflow):
		return http.StatusConflict, "Inventory conflict"
	case errors.Is(err, checkout.ErrNoGateway):
		return http.StatusServiceUnavailable, "Payments not configured"
	case errors.Is(err, models.ErrTransactionFailed):
		return http.StatusServiceUnavailable, "Please retry"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeError(w http.ResponseWriter, log *logger.Logger, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	} else {
		log.Debug("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	}
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = ""
	}
	utils.WriteJSON(w, status, utils.ErrorResponse(message, detail))
}

func writeBadRequest(w http.ResponseWriter, message, detail string) {
	utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse(message, detail))
}
