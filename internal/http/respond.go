package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message with a reason derived from status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: reasonForStatus(status), Message: msg})
}

// writeAppError maps a service error onto the taxonomy's status, reason and hint.
func writeAppError(w http.ResponseWriter, err error) {
	code := apperr.Code(err)
	msg := apperr.Message(err)
	if code == "internal_error" {
		msg = "internal server error"
	}
	writeJSON(w, apperr.HTTPStatus(err), errorBody{Error: code, Message: msg, Hint: apperr.Hint(err)})
}

func reasonForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}
