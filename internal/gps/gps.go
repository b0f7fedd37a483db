package gps

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
)

// Sample is one captured device position. Altitude and Accuracy are nil when
// the location service did not report them.
type Sample struct {
	ID         string    `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   *float64  `json:"altitude"`
	Accuracy   *float64  `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

func NewSample(lat, lon float64, alt, acc *float64, t time.Time) *Sample {
	return &Sample{
		ID:         uuid.NewString(),
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   alt,
		Accuracy:   acc,
		CapturedAt: t.UTC(),
	}
}

// Coordinates formats the position the way it is shown in status lines.
func (s *Sample) Coordinates() string {
	return "(" + strconv.FormatFloat(s.Latitude, 'f', -1, 64) + ", " + strconv.FormatFloat(s.Longitude, 'f', -1, 64) + ")"
}

func (s *Sample) MarshalObject(e *log.Entry) {
	e.Str("sample_id", s.ID).Float64("latitude", s.Latitude).Float64("longitude", s.Longitude)
}

// RosterEntry is the latest known position of one group member, as reported
// by the backend.
type RosterEntry struct {
	MemberID  string    `json:"username"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Altitude  *float64  `json:"altitude"`
	Accuracy  *float64  `json:"accuracy"`
}

// Float returns a pointer to v, for the optional sample fields.
func Float(v float64) *float64 {
	return &v
}
