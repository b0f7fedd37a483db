package tracker

import (
	"errors"
	"fmt"
)

// State of the sampler.
type State int32

const (
	Idle State = iota
	Armed
	Sampling
	AwaitingResult
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Sampling:
		return "sampling"
	case AwaitingResult:
		return "awaiting_result"
	default:
		return fmt.Sprintf("state_%d", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Idle, Armed, Sampling, AwaitingResult} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown tracker state %q", b)
}

const (
	StatusInitializing = "Initializing GPS Tracker..."
	StatusStarting     = "Starting GPS tracking..."
	StatusStopped      = "GPS tracking stopped"
	StatusSent         = "GPS data sent successfully"
	StatusNoHost       = "Error: Host IP not set. Please log in again."
	MsgNoToken         = "No access token found. Please log in."
)

const (
	EventCapture = "capture"
	EventUpload  = "upload"
	EventRetry   = "retry"
)

var ErrAlreadyRunning = errors.New("tracking already started")

func capturedStatus(coords string) string {
	return "GPS data captured: " + coords
}

func geolocationStatus(msg string) string {
	return "Geolocation error: " + msg
}

// UploadError is a failed upload. Message is the status line shown to the user.
type UploadError struct {
	Message   string
	Retryable bool
	Err       error
}

func (e *UploadError) Error() string {
	return e.Message
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func sendError(err error, retryable bool) *UploadError {
	return &UploadError{Message: "Error sending GPS data: " + err.Error(), Retryable: retryable, Err: err}
}
