package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// mapAppError maps runtime errors to HTTP error responses.
func mapAppError(err error) *echo.HTTPError {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		slog.Error("Unexpected handler error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindUnauthorized:
		status = http.StatusUnauthorized
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidState, apperr.KindIntegrityFailure:
		status = http.StatusConflict
	case apperr.KindCapacityExceeded:
		status = http.StatusTooManyRequests
	case apperr.KindTimeout:
		status = http.StatusGatewayTimeout
	case apperr.KindProviderFailure:
		status = http.StatusBadGateway
	case apperr.KindInternal:
		slog.Error("Internal error", "error", err)
	}

	return echo.NewHTTPError(status, appErr.Message)
}
