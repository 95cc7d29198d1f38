package ws

// Event types exchanged on the terminal channel.
const (
	TypeAttach   = "attach"
	TypeInput    = "input"
	TypeResize   = "resize"
	TypeDetach   = "detach"
	TypeAttached = "attached"
	TypeOutput   = "output"
	TypeError    = "error"
	TypeExited   = "exited"
)

// Error reasons carried by error events.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonNotFound     = "not_found"
	ReasonForbidden    = "forbidden"
	ReasonNotRunning   = "not_running"
	ReasonExecFailed   = "exec_failed"
	ReasonNotAttached  = "not_attached"
	ReasonBadRequest   = "bad_request"
	ReasonClosed       = "closed"
	ReasonInternal     = "internal_error"
)

// Event is a single JSON text frame. Fields are populated according to Type.
type Event struct {
	Type          string `json:"type"`
	EnvironmentID string `json:"environment_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Token         string `json:"token,omitempty"`
	Data          string `json:"data,omitempty"`
	Cols          uint   `json:"cols,omitempty"`
	Rows          uint   `json:"rows,omitempty"`
	Code          *int   `json:"code,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ErrorEvent builds an error frame.
func ErrorEvent(reason, message string) Event {
	return Event{Type: TypeError, Reason: reason, Message: message}
}

// ExitedEvent builds an exit frame.
func ExitedEvent(envID, sessionID string, code int) Event {
	return Event{Type: TypeExited, EnvironmentID: envID, SessionID: sessionID, Code: &code}
}
