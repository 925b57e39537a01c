package api

import (
	"net/http"

	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
)

// statusFor maps the engine's error kind taxonomy onto HTTP status
// codes for the Task RPC surface.
func statusFor(kind nimbuserr.Kind) int {
	switch kind {
	case nimbuserr.BadInput:
		return http.StatusBadRequest
	case nimbuserr.NotFound:
		return http.StatusNotFound
	case nimbuserr.Conflict, nimbuserr.AwaitingApproval, nimbuserr.Cancelled:
		return http.StatusConflict
	case nimbuserr.SafetyBlocked:
		return http.StatusForbidden
	case nimbuserr.Timeout:
		return http.StatusGatewayTimeout
	case nimbuserr.CapabilityTransient, nimbuserr.CapabilityPermanent:
		return http.StatusBadGateway
	case nimbuserr.StorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeOrchError classifies err by its nimbuserr.Kind and writes the
// matching status/envelope. Errors with no attached kind map to
// internal, same as nimbuserr.KindOf's fallback.
func writeOrchError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(nimbuserr.KindOf(err)), err.Error())
}
