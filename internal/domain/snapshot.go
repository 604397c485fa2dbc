package domain

import (
	"reflect"
	"time"

	"github.com/carbono-zero/co2-live/internal/session"
)

// Changed returns true if *cur* differs from *prev* in anything a consumer
// would render. UpdatedAt and Seq are ignored, and so is the rolling window as long as
// it ends with the same point: the window only moves when a sample arrives,
// and a new sample always changes the sample count.
func Changed(prev, cur *session.Snapshot) bool {
	if prev == nil && cur == nil {
		return false
	}
	if prev == nil || cur == nil {
		return true
	}

	p, c := *prev, *cur // copy
	p.UpdatedAt, c.UpdatedAt = time.Time{}, time.Time{}
	p.Seq, c.Seq = 0, 0

	if p.SampleCount == c.SampleCount && len(p.RollingWindow) == len(c.RollingWindow) {
		p.RollingWindow, c.RollingWindow = nil, nil
	}

	// decimal.Decimal is not DeepEqual-comparable by value.
	if !p.AccumulatedTax.Equal(c.AccumulatedTax) ||
		!p.TaxPerOccupant.Equal(c.TaxPerOccupant) ||
		!p.TaxRatePerTon.Equal(c.TaxRatePerTon) {
		return true
	}
	p.AccumulatedTax = c.AccumulatedTax
	p.TaxPerOccupant = c.TaxPerOccupant
	p.TaxRatePerTon = c.TaxRatePerTon

	return !reflect.DeepEqual(p, c)
}
