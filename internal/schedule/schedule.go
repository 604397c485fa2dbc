package schedule

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/carbono-zero/co2-live/internal/session"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSchedule is returned for a schedule file that cannot be used.
var ErrInvalidSchedule = errors.New("invalid schedule")

const clockLayout = "15:04"

// Class is one weekly slot. Day counts from Monday = 0.
type Class struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Day      int    `yaml:"day"`
	Start    string `yaml:"start"` // "HH:MM"
	End      string `yaml:"end"`   // "HH:MM"
	Capacity int    `yaml:"capacity"`
}

// File is the on-disk schedule.
type File struct {
	Classes []Class `yaml:"classes"`
}

// Validate checks a single class entry.
func (c Class) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: class without id", ErrInvalidSchedule)
	}
	if !session.ValidID(c.ID) {
		return fmt.Errorf("%w: class id %q must use letters, digits, '-' or '_'", ErrInvalidSchedule, c.ID)
	}
	if c.Day < 0 || c.Day > 6 {
		return fmt.Errorf("%w: class %s: day %d out of range 0-6", ErrInvalidSchedule, c.ID, c.Day)
	}
	start, err := time.Parse(clockLayout, c.Start)
	if err != nil {
		return fmt.Errorf("%w: class %s: start %q: %v", ErrInvalidSchedule, c.ID, c.Start, err)
	}
	end, err := time.Parse(clockLayout, c.End)
	if err != nil {
		return fmt.Errorf("%w: class %s: end %q: %v", ErrInvalidSchedule, c.ID, c.End, err)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: class %s: end %s not after start %s", ErrInvalidSchedule, c.ID, c.End, c.Start)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: class %s: capacity must be positive", ErrInvalidSchedule, c.ID)
	}
	return nil
}

// Parse decodes and validates a YAML schedule.
func Parse(data []byte) ([]Class, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	seen := make(map[string]bool, len(f.Classes))
	for i, c := range f.Classes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicate class id %s", ErrInvalidSchedule, c.ID)
		}
		seen[c.ID] = true
		// "8:05" and "08:05" must match the same minute.
		f.Classes[i].Start = normalizeClock(c.Start)
		f.Classes[i].End = normalizeClock(c.End)
	}
	return f.Classes, nil
}

// Load reads a schedule file from disk.
func Load(path string) ([]Class, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule file: %w", err)
	}
	return Parse(data)
}

func normalizeClock(s string) string {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return s
	}
	return t.Format(clockLayout)
}

// weekday maps time.Weekday (Sunday = 0) to the schedule's Monday = 0.
func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// Due returns the classes that begin and the classes that end in the minute
// containing now. now must already be in the schedule's time zone.
func Due(classes []Class, now time.Time) (start, stop []Class) {
	day := weekday(now)
	clock := now.Format(clockLayout)
	for _, c := range classes {
		if c.Day != day {
			continue
		}
		if c.Start == clock {
			start = append(start, c)
		}
		if c.End == clock {
			stop = append(stop, c)
		}
	}
	return start, stop
}
