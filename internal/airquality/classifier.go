package airquality

import "fmt"

// Thresholds are the CO2 cut-points (ppm) between the Good, Regular and Bad
// bands. Build them with NewThresholds; the zero value is not valid.
type Thresholds struct {
	Good    float64 `json:"co2_good" yaml:"co2_good"`
	Regular float64 `json:"co2_regular" yaml:"co2_regular"`
}

// NewThresholds validates and returns a threshold pair. A pair with
// regular <= good is rejected rather than swapped.
func NewThresholds(good, regular float64) (Thresholds, error) {
	t := Thresholds{Good: good, Regular: regular}
	if err := t.Validate(); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}

// Validate checks regular > good > 0.
func (t Thresholds) Validate() error {
	if !finite(t.Good) || !finite(t.Regular) {
		return fmt.Errorf("%w: non-finite value (good=%v, regular=%v)", ErrInvalidThresholds, t.Good, t.Regular)
	}
	if t.Good <= 0 {
		return fmt.Errorf("%w: good must be positive, got %v", ErrInvalidThresholds, t.Good)
	}
	if t.Regular <= t.Good {
		return fmt.Errorf("%w: regular (%v) must be greater than good (%v)", ErrInvalidThresholds, t.Regular, t.Good)
	}
	return nil
}

// Classify maps a CO2 concentration onto a status band. Both bounds are
// exclusive on the upper band: a reading equal to a threshold stays in the
// lower band.
func Classify(co2 float64, t Thresholds) Status {
	switch {
	case co2 > t.Regular:
		return Bad
	case co2 > t.Good:
		return Regular
	default:
		return Good
	}
}

// ClassifySample pairs a sample with its status under t.
func ClassifySample(s Sample, t Thresholds) ClassifiedPoint {
	return ClassifiedPoint{Sample: s, Status: Classify(s.CO2, t)}
}

// ReferenceOccupancy is the room size occupancy bands are measured against.
const ReferenceOccupancy = 30

// ClassifyOccupancy bands a session's capacity against ReferenceOccupancy:
// above 80% is Bad, above 50% is Regular.
func ClassifyOccupancy(capacity int) Status {
	pct := float64(capacity) / ReferenceOccupancy * 100
	switch {
	case pct > 80:
		return Bad
	case pct > 50:
		return Regular
	default:
		return Good
	}
}
