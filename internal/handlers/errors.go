package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/apperrors"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/handlers/render"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
)

// renderError maps service errors to HTTP status codes
// Unknown errors are logged with 'action' and rendered as 500
func renderError(w http.ResponseWriter, err error, l logger.Logger, action string) {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		render.ServiceError(w, validationMessage(err), http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrUserNotFound):
		render.ServiceError(w, "User not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrTransactionNotFound):
		render.ServiceError(w, "Transaction not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrUserAlreadyExists):
		render.ServiceError(w, "User already exists", http.StatusConflict)
	case errors.Is(err, apperrors.ErrInvalidStatusTransition):
		render.ServiceError(w, "Transaction status does not allow this operation", http.StatusConflict)
	default:
		l.Error(action, "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// validationMessage drops the sentinel prefix so only the reason is shown
func validationMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), apperrors.ErrValidation.Error()+": ")
	if msg == "" {
		return "Invalid request"
	}
	return msg
}
