package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/carbono-zero/co2-live/internal/airquality"
)

// readingPayload is the JSON the room sensor publishes. Pointers tell a
// missing field apart from a zero reading.
type readingPayload struct {
	CO2         *float64   `json:"co2"`
	Temperature *float64   `json:"temperature"`
	Humidity    *float64   `json:"humidity"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// ParseReading decodes and validates one reading. Readings without a
// timestamp are stamped with the time they were received.
func ParseReading(payload []byte, received time.Time) (airquality.Sample, error) {
	var p readingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return airquality.Sample{}, fmt.Errorf("%w: %v", airquality.ErrMalformedSample, err)
	}

	var missing []string
	if p.CO2 == nil {
		missing = append(missing, "co2")
	}
	if p.Temperature == nil {
		missing = append(missing, "temperature")
	}
	if p.Humidity == nil {
		missing = append(missing, "humidity")
	}
	if len(missing) > 0 {
		return airquality.Sample{}, fmt.Errorf("%w: missing %v", airquality.ErrMalformedSample, missing)
	}

	s := airquality.Sample{
		Timestamp:   received,
		CO2:         *p.CO2,
		Temperature: *p.Temperature,
		Humidity:    *p.Humidity,
	}
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		s.Timestamp = *p.Timestamp
	}
	if err := s.Validate(); err != nil {
		return airquality.Sample{}, err
	}
	return s, nil
}
