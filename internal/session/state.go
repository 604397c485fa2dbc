package session

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/carbono-zero/co2-live/internal/airquality"
	"github.com/carbono-zero/co2-live/internal/tax"
	"github.com/carbono-zero/co2-live/internal/window"
	"github.com/shopspring/decimal"
)

const (
	// DefaultMaxGap caps the interval credited to a single sample, so a reading
	// arriving after a long outage does not accrue the whole outage at once.
	DefaultMaxGap = 30 * time.Second
	// DefaultMaxSkew is how far a sample timestamp may run ahead of its
	// arrival before the sample is treated as malformed.
	DefaultMaxSkew = 2 * time.Minute
)

// sessionIDPattern keeps ids usable as a single MQTT topic level and a Home
// Assistant object id without any rewriting.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var (
	ErrInvalidCapacity   = tax.ErrInvalidCapacity
	ErrInvalidSessionID  = errors.New("invalid session id")
	ErrSessionExists     = errors.New("session already running")
	ErrUnknownSession    = errors.New("unknown session")
	ErrSessionTerminated = errors.New("session is not live")
	ErrNotAccepting      = errors.New("session transport disconnected")
)

// Lifecycle is the session state machine: Idle -> Live -> Stopped.
type Lifecycle int

const (
	Idle Lifecycle = iota
	Live
	Stopped
)

func (l Lifecycle) String() string {
	switch l {
	case Idle:
		return "IDLE"
	case Live:
		return "LIVE"
	case Stopped:
		return "STOPPED"
	}
	return fmt.Sprintf("Lifecycle(%d)", int(l))
}

func (l Lifecycle) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Lifecycle) UnmarshalText(b []byte) error {
	for _, v := range []Lifecycle{Idle, Live, Stopped} {
		if v.String() == string(b) {
			*l = v
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle %q", string(b))
}

// Connectivity is the ingestion channel sub-status of a live session.
type Connectivity int

const (
	Connecting Connectivity = iota
	Connected
	Disconnected
)

func (c Connectivity) String() string {
	switch c {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "LIVE"
	case Disconnected:
		return "DISCONNECTED"
	}
	return fmt.Sprintf("Connectivity(%d)", int(c))
}

func (c Connectivity) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Connectivity) UnmarshalText(b []byte) error {
	for _, v := range []Connectivity{Connecting, Connected, Disconnected} {
		if v.String() == string(b) {
			*c = v
			return nil
		}
	}
	return fmt.Errorf("unknown connectivity %q", string(b))
}

// ValidID reports whether id can name a session.
func ValidID(id string) bool { return sessionIDPattern.MatchString(id) }

// Params fixes everything a session needs for its whole lifetime.
type Params struct {
	SessionID  string
	Capacity   int
	Thresholds airquality.Thresholds
	Tax        tax.Config
	WindowSize int
	MaxGap     time.Duration
	MaxSkew    time.Duration
}

// Validate rejects parameters a session cannot start with.
func (p Params) Validate() error {
	if !ValidID(p.SessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, p.SessionID)
	}
	if p.Capacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, p.Capacity)
	}
	if err := p.Thresholds.Validate(); err != nil {
		return err
	}
	return p.Tax.Validate()
}

// State is one room session: rolling window, accrual and connectivity. It has
// a single writer; the Controller serialises calls per session. Transitions do
// no I/O and leave the state untouched when they return an error.
type State struct {
	params       Params
	lifecycle    Lifecycle
	connectivity Connectivity

	buf     *window.Buffer[airquality.ClassifiedPoint]
	engine  tax.Engine
	latest  *airquality.ClassifiedPoint
	lastTS  time.Time
	samples int
	seq     uint64

	startedAt time.Time
	stoppedAt time.Time
	updatedAt time.Time
}

// NewState validates p and returns a live session waiting for its channel to open.
func NewState(p Params, now time.Time) (*State, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.WindowSize < 1 {
		p.WindowSize = window.DefaultSize
	}
	if p.MaxGap <= 0 {
		p.MaxGap = DefaultMaxGap
	}
	if p.MaxSkew <= 0 {
		p.MaxSkew = DefaultMaxSkew
	}
	return &State{
		params:       p,
		lifecycle:    Live,
		connectivity: Connecting,
		buf:          window.New[airquality.ClassifiedPoint](p.WindowSize),
		startedAt:    now,
		updatedAt:    now,
		seq:          1,
	}, nil
}

// Lifecycle returns the state machine position.
func (s *State) Lifecycle() Lifecycle { return s.lifecycle }

// Connectivity returns the channel sub-status.
func (s *State) Connectivity() Connectivity { return s.connectivity }

// OnOpen marks the ingestion channel as open.
func (s *State) OnOpen(now time.Time) error {
	if s.lifecycle != Live {
		return ErrSessionTerminated
	}
	s.connectivity = Connected
	s.touch(now)
	return nil
}

// OnClose freezes the session until the channel reopens. Closing an already
// disconnected channel is a no-op.
func (s *State) OnClose(now time.Time) error {
	if s.lifecycle != Live {
		return ErrSessionTerminated
	}
	s.connectivity = Disconnected
	s.touch(now)
	return nil
}

// OnError is treated like a close: the channel is considered down until it
// reports open again.
func (s *State) OnError(now time.Time) error { return s.OnClose(now) }

// OnSample classifies, buffers and accrues one reading. Samples are refused
// unless the session is live with its channel not disconnected. A sample
// arriving while still connecting proves the channel is open.
func (s *State) OnSample(sm airquality.Sample, now time.Time) (airquality.ClassifiedPoint, error) {
	if s.lifecycle != Live {
		return airquality.ClassifiedPoint{}, ErrSessionTerminated
	}
	if s.connectivity == Disconnected {
		return airquality.ClassifiedPoint{}, ErrNotAccepting
	}
	if err := sm.Validate(); err != nil {
		return airquality.ClassifiedPoint{}, err
	}
	if sm.Timestamp.After(now.Add(s.params.MaxSkew)) {
		return airquality.ClassifiedPoint{}, fmt.Errorf("%w: timestamp %s is ahead of arrival %s",
			airquality.ErrMalformedSample, sm.Timestamp.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	elapsed := s.elapsed(sm.Timestamp)
	if _, err := s.engine.OnSample(sm, s.params.Capacity, s.params.Tax, elapsed); err != nil {
		return airquality.ClassifiedPoint{}, err
	}

	point := airquality.ClassifySample(sm, s.params.Thresholds)
	s.buf.Push(point)
	s.latest = &point
	s.lastTS = sm.Timestamp
	s.samples++
	s.connectivity = Connected
	s.touch(now)
	return point, nil
}

// elapsed is the time credited to a sample: zero for the first sample or one
// not after the previous accepted sample, otherwise the gap since that sample
// capped at MaxGap. The previous sample is the last one accepted, not the
// newest timestamp seen, so one bad clock reading cannot stall accrual.
func (s *State) elapsed(ts time.Time) time.Duration {
	if s.lastTS.IsZero() || !ts.After(s.lastTS) {
		return 0
	}
	d := ts.Sub(s.lastTS)
	if d > s.params.MaxGap {
		d = s.params.MaxGap
	}
	return d
}

// Stop moves the session to Stopped. It reports whether anything changed, so
// a second call is a no-op.
func (s *State) Stop(now time.Time) bool {
	if s.lifecycle == Stopped {
		return false
	}
	s.lifecycle = Stopped
	s.stoppedAt = now
	s.touch(now)
	return true
}

func (s *State) touch(now time.Time) {
	s.updatedAt = now
	s.seq++
}

// Snapshot is the read model of a session. It never aliases State internals.
type Snapshot struct {
	SessionID      string                       `json:"session_id"`
	Capacity       int                          `json:"capacity"`
	Occupancy      airquality.Status            `json:"occupancy_status"`
	Thresholds     airquality.Thresholds        `json:"thresholds"`
	TaxRatePerTon  decimal.Decimal              `json:"tax_rate_per_ton"`
	Lifecycle      Lifecycle                    `json:"lifecycle"`
	Connectivity   Connectivity                 `json:"connectivity"`
	LatestSample   *airquality.Sample           `json:"latest_sample,omitempty"`
	LatestStatus   *airquality.Status           `json:"latest_status,omitempty"`
	RollingWindow  []airquality.ClassifiedPoint `json:"rolling_window"`
	AccumulatedTax decimal.Decimal              `json:"accumulated_tax"`
	TaxPerOccupant decimal.Decimal              `json:"tax_per_occupant"`
	SampleCount    int                          `json:"sample_count"`
	StartedAt      time.Time                    `json:"started_at"`
	StoppedAt      *time.Time                   `json:"stopped_at,omitempty"`
	UpdatedAt      time.Time                    `json:"updated_at"`
	// Seq orders the snapshots of one session run; it grows with every
	// accepted transition.
	Seq uint64 `json:"seq"`
}

// Snapshot copies the current state into a Snapshot.
func (s *State) Snapshot() Snapshot {
	per, _ := s.engine.PerOccupant(s.params.Capacity)
	snap := Snapshot{
		SessionID:      s.params.SessionID,
		Capacity:       s.params.Capacity,
		Occupancy:      airquality.ClassifyOccupancy(s.params.Capacity),
		Thresholds:     s.params.Thresholds,
		TaxRatePerTon:  s.params.Tax.RatePerTon,
		Lifecycle:      s.lifecycle,
		Connectivity:   s.connectivity,
		RollingWindow:  s.buf.Snapshot(),
		AccumulatedTax: s.engine.Accumulated(),
		TaxPerOccupant: per,
		SampleCount:    s.samples,
		StartedAt:      s.startedAt,
		UpdatedAt:      s.updatedAt,
		Seq:            s.seq,
	}
	if s.latest != nil {
		sm, st := s.latest.Sample, s.latest.Status
		snap.LatestSample = &sm
		snap.LatestStatus = &st
	}
	if !s.stoppedAt.IsZero() {
		at := s.stoppedAt
		snap.StoppedAt = &at
	}
	return snap
}
