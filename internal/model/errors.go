package model

import "errors"

var (
	// ErrAlreadyRunning is returned when a session is started while another one is not idle.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrDirectoryNotFound is returned when the working directory does not exist.
	ErrDirectoryNotFound = errors.New("directory not found")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotResumable is returned when a session has no resume token to continue from.
	ErrNotResumable = errors.New("session has no resume token")

	// ErrQueueSaturated is returned when the command queue stays full past the put timeout.
	ErrQueueSaturated = errors.New("command queue is full")

	// ErrTransportNotReady is returned when the transport cannot accept input.
	ErrTransportNotReady = errors.New("transport not ready")

	// ErrTransportSpawnFailed is returned when the agent process or client could not be started.
	ErrTransportSpawnFailed = errors.New("failed to start agent transport")

	// ErrApprovalTimeout is returned when no decision arrives for an approval request in time.
	ErrApprovalTimeout = errors.New("approval request timed out")

	// ErrApprovalNotFound is returned for unknown, expired or already decided approval requests.
	ErrApprovalNotFound = errors.New("approval request not found or expired")

	ErrNoActiveSession = errors.New("no active session")
	ErrUnknownAgent    = errors.New("unknown agent type")
	ErrUnsupported     = errors.New("operation not supported by this transport")
	ErrEmptyCommand    = errors.New("empty command")
	ErrDiffNotFound    = errors.New("diff not found")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Code returns the stable wire code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRunning):
		return "ALREADY_RUNNING"
	case errors.Is(err, ErrDirectoryNotFound):
		return "DIRECTORY_NOT_FOUND"
	case errors.Is(err, ErrSessionNotFound):
		return "SESSION_NOT_FOUND"
	case errors.Is(err, ErrNotResumable):
		return "NOT_RESUMABLE"
	case errors.Is(err, ErrQueueSaturated):
		return "QUEUE_SATURATED"
	case errors.Is(err, ErrTransportNotReady):
		return "TRANSPORT_NOT_READY"
	case errors.Is(err, ErrTransportSpawnFailed):
		return "TRANSPORT_SPAWN_FAILED"
	case errors.Is(err, ErrApprovalTimeout):
		return "APPROVAL_TIMEOUT"
	case errors.Is(err, ErrApprovalNotFound):
		return "APPROVAL_NOT_FOUND"
	case errors.Is(err, ErrNoActiveSession):
		return "NO_ACTIVE_SESSION"
	case errors.Is(err, ErrUnknownAgent):
		return "UNKNOWN_AGENT"
	case errors.Is(err, ErrUnsupported):
		return "UNSUPPORTED"
	case errors.Is(err, ErrEmptyCommand), errors.Is(err, ErrInvalidRequest):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrDiffNotFound):
		return "DIFF_NOT_FOUND"
	default:
		return "INTERNAL_ERROR"
	}
}

// Result is the structured outcome handed to the request and socket layers.
type Result struct {
	Success bool           `json:"success"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// OK builds a successful Result.
func OK(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed Result from err.
func Fail(err error) Result {
	return Result{Success: false, Code: Code(err), Error: err.Error()}
}
