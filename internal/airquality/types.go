package airquality

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrMalformedSample is returned for readings with missing, non-finite or
	// out-of-domain fields. Such samples are dropped before they reach a session.
	ErrMalformedSample = errors.New("malformed sample")

	// ErrInvalidThresholds is returned when regular <= good or good <= 0.
	ErrInvalidThresholds = errors.New("invalid thresholds")
)

// Sample is one periodic reading from the room sensor.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	CO2         float64   `json:"co2"`         // ppm
	Temperature float64   `json:"temperature"` // °C
	Humidity    float64   `json:"humidity"`    // %RH
}

// Validate reports why a sample cannot be ingested. Temperature may be
// negative; CO2 and humidity may not.
func (s Sample) Validate() error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedSample)
	}
	if !finite(s.CO2) || s.CO2 < 0 {
		return fmt.Errorf("%w: co2 %v", ErrMalformedSample, s.CO2)
	}
	if !finite(s.Temperature) {
		return fmt.Errorf("%w: temperature %v", ErrMalformedSample, s.Temperature)
	}
	if !finite(s.Humidity) || s.Humidity < 0 || s.Humidity > 100 {
		return fmt.Errorf("%w: humidity %v", ErrMalformedSample, s.Humidity)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Status is the air-quality band of a CO2 reading. The zero value is Good and
// the ordinal order is Good < Regular < Bad.
type Status int

const (
	Good Status = iota
	Regular
	Bad
)

func (s Status) String() string {
	switch s {
	case Good:
		return "GOOD"
	case Regular:
		return "REGULAR"
	case Bad:
		return "BAD"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText encodes the status by name so JSON payloads stay readable.
func (s Status) MarshalText() ([]byte, error) {
	if s < Good || s > Bad {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText, case-insensitively.
func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "GOOD":
		*s = Good
	case "REGULAR":
		*s = Regular
	case "BAD":
		*s = Bad
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// ClassifiedPoint is a sample together with the status it had when it arrived.
type ClassifiedPoint struct {
	Sample Sample `json:"sample"`
	Status Status `json:"status"`
}
