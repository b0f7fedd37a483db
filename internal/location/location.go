package location

import (
	"context"
	"fmt"
	"time"
)

// Code classifies a failed fix request.
type Code int

const (
	PermissionDenied    Code = 1
	PositionUnavailable Code = 2
	Timeout             Code = 3
)

func (c Code) String() string {
	switch c {
	case PermissionDenied:
		return "permission_denied"
	case PositionUnavailable:
		return "position_unavailable"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

type SampleError struct {
	Code    Code
	Message string
	Err     error
}

func (e *SampleError) Error() string {
	return e.Message
}

func (e *SampleError) Unwrap() error {
	return e.Err
}

// Fix is one position reading. Altitude and Accuracy (meters) are nil when
// the receiver did not report them.
type Fix struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
	Accuracy  *float64
	Time      time.Time
}

// Locator returns a fresh fix, never a cached one. Failures are *SampleError.
type Locator interface {
	Locate(ctx context.Context) (*Fix, error)
}

type LocatorFunc func(ctx context.Context) (*Fix, error)

func (f LocatorFunc) Locate(ctx context.Context) (*Fix, error) {
	return f(ctx)
}

// StaticLocator always reports the same coordinates, stamped with the
// current time. Used on devices without a receiver and in development.
type StaticLocator struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
	Accuracy  *float64
}

func (s *StaticLocator) Locate(ctx context.Context) (*Fix, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SampleError{Code: Timeout, Message: "Timeout expired", Err: err}
	}
	return &Fix{Latitude: s.Latitude, Longitude: s.Longitude, Altitude: s.Altitude, Accuracy: s.Accuracy, Time: time.Now()}, nil
}
