package tax

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/carbono-zero/co2-live/internal/airquality"
	"github.com/shopspring/decimal"
)

// Reference constants of the accrual model.
const (
	BaselinePPM = 420.0

	// Precision is the number of decimal places each increment is rounded to.
	Precision int32 = 18
)

// EmissionFactor is expressed in kg CO2e per ppm of excess, per occupant, per hour.
var EmissionFactor = decimal.RequireFromString("0.000005")

var (
	ErrInvalidRate     = errors.New("invalid tax rate")
	ErrInvalidCapacity = errors.New("invalid capacity")
)

var (
	baseline  = decimal.NewFromFloat(BaselinePPM)
	kgPerTon  = decimal.NewFromInt(1000)
	nsPerHour = decimal.NewFromInt(int64(time.Hour))
	// rate is per ton while the factor yields kg; elapsed is in nanoseconds.
	divisor = kgPerTon.Mul(nsPerHour)
)

// Config carries the externally configured tax rate (currency per ton CO2e).
type Config struct {
	RatePerTon decimal.Decimal `json:"tax_rate_per_ton"`
}

// NewConfig validates a rate coming from the settings store.
func NewConfig(ratePerTon float64) (Config, error) {
	// NewFromFloat panics on NaN and Inf.
	if math.IsNaN(ratePerTon) || math.IsInf(ratePerTon, 0) || ratePerTon <= 0 {
		return Config{}, fmt.Errorf("%w: %v must be positive", ErrInvalidRate, ratePerTon)
	}
	return Config{RatePerTon: decimal.NewFromFloat(ratePerTon)}, nil
}

// Validate checks that the rate is positive.
func (c Config) Validate() error {
	if !c.RatePerTon.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidRate, c.RatePerTon)
	}
	return nil
}

// Engine integrates the cost of excess CO2 over time. The accumulated amount
// never decreases. The zero value is an engine with nothing accrued.
type Engine struct {
	accumulated decimal.Decimal
}

// OnSample accrues the cost of the sample over the elapsed interval and
// returns the new total. Readings at or below the baseline, and non-positive
// intervals, leave the total unchanged. An invalid capacity or config is
// reported and nothing is accrued.
func (e *Engine) OnSample(s airquality.Sample, capacity int, cfg Config, elapsed time.Duration) (decimal.Decimal, error) {
	if capacity <= 0 {
		return e.accumulated, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if err := cfg.Validate(); err != nil {
		return e.accumulated, err
	}
	inc := Increment(s.CO2, capacity, cfg.RatePerTon, elapsed)
	if inc.IsPositive() {
		e.accumulated = e.accumulated.Add(inc)
	}
	return e.accumulated, nil
}

// Increment computes
//
//	excess * capacity * EmissionFactor * (rate/1000) * (elapsed/1h)
//
// with a single rounding step. It returns zero when there is no excess or no
// elapsed time.
func Increment(co2 float64, capacity int, ratePerTon decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	if math.IsNaN(co2) || math.IsInf(co2, 0) || co2 <= BaselinePPM || elapsed <= 0 || capacity <= 0 {
		return decimal.Zero
	}
	excess := decimal.NewFromFloat(co2).Sub(baseline)
	num := excess.
		Mul(decimal.NewFromInt(int64(capacity))).
		Mul(EmissionFactor).
		Mul(ratePerTon).
		Mul(decimal.NewFromInt(int64(elapsed)))
	return num.DivRound(divisor, Precision)
}

// Accumulated returns the running total.
func (e *Engine) Accumulated() decimal.Decimal { return e.accumulated }

// PerOccupant splits the running total evenly across capacity occupants.
func (e *Engine) PerOccupant(capacity int) (decimal.Decimal, error) {
	if capacity <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return e.accumulated.DivRound(decimal.NewFromInt(int64(capacity)), Precision), nil
}
