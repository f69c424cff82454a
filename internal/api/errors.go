package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/model"
)

var (
	// errNotFound is returned for absent records.
	errNotFound = errors.New("not found")
	// errBadRequest marks undecodable or malformed request bodies.
	errBadRequest = errors.New("bad request")
)

// statusFor maps control-plane errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest

	case errors.Is(err, errNotFound),
		errors.Is(err, model.ErrUnknownTank),
		errors.Is(err, model.ErrUnknownValve):
		return http.StatusNotFound

	case errors.Is(err, model.ErrStaleReading),
		errors.Is(err, model.ErrValveBusy):
		return http.StatusConflict

	case errors.Is(err, model.ErrPlanInfeasible):
		return http.StatusUnprocessableEntity

	case errors.Is(err, model.ErrGatewayUnreachable):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}

// abort writes err as a JSON error body. Server-side failures are logged
// and their detail withheld from the caller.
func abort(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		logging.LoggerFromContext(c.Request.Context(), nil).
			Error(c.Request.Context(), "request failed", logging.String("route", c.FullPath()), logging.Err(err))
		msg = http.StatusText(code)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
