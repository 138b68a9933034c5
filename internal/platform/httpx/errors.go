// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// ErrUnauthenticated is returned when no actor is attached to the request.
var ErrUnauthenticated = errors.New("unauthenticated")

const problemBase = "https://odyssey-erp.dev/problems/"

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnauthenticated) {
		ProblemOf(w, http.StatusUnauthorized, "unauthenticated", "Unauthenticated", err.Error())
		return
	}
	switch kind := shared.KindOf(err); kind {
	case shared.KindNotFound:
		ProblemOf(w, http.StatusNotFound, kind, "Not Found", err.Error())
	case shared.KindInvalidTransition:
		ProblemOf(w, http.StatusConflict, kind, "Invalid Transition", err.Error())
	case shared.KindConflict:
		w.Header().Set("Retry-After", "1")
		ProblemOf(w, http.StatusConflict, kind, "Conflict", err.Error())
	case shared.KindValidation:
		ProblemOf(w, http.StatusBadRequest, kind, "Validation Failed", err.Error())
	case shared.KindUnauthorized:
		ProblemOf(w, http.StatusForbidden, kind, "Forbidden", err.Error())
	case shared.KindInsufficientFunds:
		ProblemOf(w, http.StatusUnprocessableEntity, kind, "Insufficient Funds", err.Error())
	case shared.KindTransient:
		w.Header().Set("Retry-After", "2")
		ProblemOf(w, http.StatusServiceUnavailable, kind, "Service Unavailable", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
