package airquality

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func TestClassifyBands(t *testing.T) {
	th, err := NewThresholds(800, 1200)
	if err != nil {
		t.Fatalf("NewThresholds: %v", err)
	}

	cases := []struct {
		co2  float64
		want Status
	}{
		{900, Regular},
		{1300, Bad},
		{500, Good},
		{800, Good},
		{800.01, Regular},
		{1200, Regular},
		{1200.01, Bad},
		{0, Good},
	}
	for _, tc := range cases {
		if got := Classify(tc.co2, th); got != tc.want {
			t.Errorf("Classify(%v): got %s, want %s", tc.co2, got, tc.want)
		}
	}
}

func TestClassifyMonotone(t *testing.T) {
	th := Thresholds{Good: 650, Regular: 1000}
	prev := Classify(0, th)
	for co2 := 0.0; co2 <= 3000; co2 += 0.5 {
		cur := Classify(co2, th)
		if cur < prev {
			t.Fatalf("status decreased at co2=%v: %s -> %s", co2, prev, cur)
		}
		prev = cur
	}
}

func TestNewThresholdsRejectsInvalid(t *testing.T) {
	cases := []struct {
		name          string
		good, regular float64
	}{
		{"reversed", 1000, 900},
		{"equal", 900, 900},
		{"zero good", 0, 900},
		{"negative good", -5, 900},
		{"nan", math.NaN(), 900},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			th, err := NewThresholds(tc.good, tc.regular)
			if !errors.Is(err, ErrInvalidThresholds) {
				t.Fatalf("expected ErrInvalidThresholds, got %v", err)
			}
			if th != (Thresholds{}) {
				t.Fatalf("expected zero thresholds on error, got %+v", th)
			}
		})
	}
}

func TestSampleValidate(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	ok := Sample{Timestamp: now, CO2: 650, Temperature: -3.5, Humidity: 40}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid sample rejected: %v", err)
	}

	bad := []Sample{
		{CO2: 650, Humidity: 40},
		{Timestamp: now, CO2: -1, Humidity: 40},
		{Timestamp: now, CO2: math.NaN(), Humidity: 40},
		{Timestamp: now, CO2: 600, Temperature: math.Inf(1), Humidity: 40},
		{Timestamp: now, CO2: 600, Humidity: 120},
		{Timestamp: now, CO2: 600, Humidity: -2},
	}
	for i, s := range bad {
		if err := s.Validate(); !errors.Is(err, ErrMalformedSample) {
			t.Errorf("case %d: expected ErrMalformedSample, got %v", i, err)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	b, err := json.Marshal(ClassifiedPoint{Status: Bad})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ClassifiedPoint
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Status != Bad {
		t.Fatalf("got %s, want BAD", back.Status)
	}
}

func TestClassifyOccupancy(t *testing.T) {
	cases := []struct {
		capacity int
		want     Status
	}{
		{1, Good},
		{15, Good},
		{16, Regular},
		{24, Regular},
		{25, Bad},
		{40, Bad},
	}
	for _, tc := range cases {
		if got := ClassifyOccupancy(tc.capacity); got != tc.want {
			t.Errorf("ClassifyOccupancy(%d) = %s, want %s", tc.capacity, got, tc.want)
		}
	}
}
