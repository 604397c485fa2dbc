package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carbono-zero/co2-live/internal/airquality"
	"github.com/carbono-zero/co2-live/internal/metrics"
	"github.com/carbono-zero/co2-live/internal/tax"
	"github.com/sirupsen/logrus"
)

// Subscriber opens and closes the ingestion subscription of a session. The
// subscriber reports channel lifecycle back through Controller events.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) error
	Unsubscribe(ctx context.Context, sessionID string) error
}

// Publisher receives every snapshot produced by an accepted transition.
type Publisher interface {
	Publish(s *Snapshot)
}

// Options tune the sessions created by a Controller.
type Options struct {
	WindowSize int
	MaxGap     time.Duration
	MaxSkew    time.Duration
	Now        func() time.Time
}

// StartRequest describes a session to start.
type StartRequest struct {
	SessionID  string
	Capacity   int
	Thresholds airquality.Thresholds
	Tax        tax.Config
}

type entry struct {
	mu    sync.Mutex // serialises transitions of one session
	state *State
	snap  atomic.Pointer[Snapshot]
}

// Controller owns all session states, routes inbound events to them and
// publishes the resulting snapshots. Sessions are independent: events for one
// session never wait on another.
type Controller struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	sub     Subscriber
	pub     Publisher
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewController returns a controller with no sessions. sub, pub and m may be nil.
func NewController(opts Options, sub Subscriber, pub Publisher, logger *logrus.Logger, m *metrics.Metrics) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		sessions: make(map[string]*entry),
		sub:      sub,
		pub:      pub,
		opts:     opts,
		logger:   logger,
		metrics:  m,
	}
}

// Start validates req, creates the session and opens its subscription. A
// stopped session with the same id is replaced; a running one is not.
func (c *Controller) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	st, err := NewState(Params{
		SessionID:  req.SessionID,
		Capacity:   req.Capacity,
		Thresholds: req.Thresholds,
		Tax:        req.Tax,
		WindowSize: c.opts.WindowSize,
		MaxGap:     c.opts.MaxGap,
		MaxSkew:    c.opts.MaxSkew,
	}, c.opts.Now())
	if err != nil {
		c.logger.WithError(err).WithField("session_id", req.SessionID).Warn("Session start rejected")
		return Snapshot{}, err
	}

	e := &entry{state: st}
	snap := st.Snapshot()
	e.snap.Store(&snap)

	// Hold the new entry until its first snapshot is out, so no transition
	// can publish ahead of it.
	e.mu.Lock()
	c.mu.Lock()
	if prev, ok := c.sessions[req.SessionID]; ok && prev.snapshot().Lifecycle != Stopped {
		c.mu.Unlock()
		e.mu.Unlock()
		return Snapshot{}, ErrSessionExists
	}
	c.sessions[req.SessionID] = e
	running := c.countRunningLocked()
	c.mu.Unlock()

	c.metrics.SetSessionsRunning(running)
	c.metrics.SetAccruedTax(req.SessionID, 0)
	c.publish(&snap)
	e.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"session_id":  req.SessionID,
		"capacity":    req.Capacity,
		"co2_good":    req.Thresholds.Good,
		"co2_regular": req.Thresholds.Regular,
		"tax_rate":    req.Tax.RatePerTon.String(),
	}).Info("Session started")

	if c.sub != nil {
		if err := c.sub.Subscribe(ctx, req.SessionID); err != nil {
			c.logger.WithError(err).WithField("session_id", req.SessionID).Warn("Ingestion subscription failed")
			_ = c.OnError(req.SessionID, err)
		}
	}
	return *e.snapshot(), nil
}

// Stop terminates a session. Stopping a stopped session is a no-op; an
// unknown id is reported as ErrUnknownSession.
func (c *Controller) Stop(ctx context.Context, sessionID string) error {
	e := c.lookup(sessionID)
	if e == nil {
		c.logger.WithField("session_id", sessionID).Warn("Stop for unknown session ignored")
		return ErrUnknownSession
	}

	e.mu.Lock()
	changed := e.state.Stop(c.opts.Now())
	var snap Snapshot
	if changed {
		snap = e.state.Snapshot()
		e.snap.Store(&snap)
		c.publish(&snap)
	}
	e.mu.Unlock()

	if !changed {
		return nil
	}

	if c.sub != nil {
		if err := c.sub.Unsubscribe(ctx, sessionID); err != nil {
			c.logger.WithError(err).WithField("session_id", sessionID).Warn("Ingestion unsubscribe failed")
		}
	}
	c.metrics.SetSessionsRunning(c.running())
	c.logger.WithFields(logrus.Fields{
		"session_id":      sessionID,
		"samples":         snap.SampleCount,
		"accumulated_tax": snap.AccumulatedTax.StringFixed(6),
	}).Info("Session stopped")
	return nil
}

// StopAll stops every running session and returns how many were stopped.
func (c *Controller) StopAll(ctx context.Context) int {
	c.mu.RLock()
	ids := make([]string, 0, len(c.sessions))
	for id, e := range c.sessions {
		if e.snapshot().Lifecycle != Stopped {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()

	stopped := 0
	for _, id := range ids {
		if err := c.Stop(ctx, id); err == nil {
			stopped++
		}
	}
	return stopped
}

// Dispose forgets a stopped session.
func (c *Controller) Dispose(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if e.snapshot().Lifecycle != Stopped {
		return ErrSessionExists
	}
	c.disposeLocked(sessionID)
	return nil
}

// Sweep disposes every session that has been stopped for at least retention
// and returns the disposed ids in order.
func (c *Controller) Sweep(retention time.Duration) []string {
	cutoff := c.opts.Now().Add(-retention)

	c.mu.Lock()
	var ids []string
	for id, e := range c.sessions {
		snap := e.snapshot()
		if snap.Lifecycle != Stopped || snap.StoppedAt == nil || snap.StoppedAt.After(cutoff) {
			continue
		}
		c.disposeLocked(id)
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	if len(ids) > 0 {
		c.logger.WithField("sessions", ids).Info("Disposed stopped sessions")
	}
	return ids
}

func (c *Controller) disposeLocked(sessionID string) {
	delete(c.sessions, sessionID)
	c.metrics.ForgetSession(sessionID)
}

// OnOpen, OnClose, OnError and OnSample are the hooks the ingestion adapter
// calls. Errors are logged and returned; none of them is fatal.

func (c *Controller) OnOpen(sessionID string) error {
	return c.apply(sessionID, "open", func(s *State, now time.Time) error { return s.OnOpen(now) })
}

func (c *Controller) OnClose(sessionID string) error {
	return c.apply(sessionID, "close", func(s *State, now time.Time) error { return s.OnClose(now) })
}

func (c *Controller) OnError(sessionID string, cause error) error {
	if cause != nil {
		c.logger.WithError(cause).WithField("session_id", sessionID).Warn("Ingestion channel error")
	}
	return c.apply(sessionID, "error", func(s *State, now time.Time) error { return s.OnError(now) })
}

func (c *Controller) OnSample(sessionID string, sm airquality.Sample) error {
	err := c.apply(sessionID, "sample", func(s *State, now time.Time) error {
		_, err := s.OnSample(sm, now)
		return err
	})
	switch {
	case err == nil:
		c.metrics.ObserveSample(metrics.ResultAccepted)
	case errors.Is(err, airquality.ErrMalformedSample):
		c.metrics.ObserveSample(metrics.ResultMalformed)
	case errors.Is(err, ErrUnknownSession):
		c.metrics.ObserveSample(metrics.ResultUnroutable)
	default:
		c.metrics.ObserveSample(metrics.ResultIgnored)
	}
	return err
}

// Handle dispatches one inbound event.
func (c *Controller) Handle(ev Event) error {
	switch ev.Kind {
	case EventOpen:
		return c.OnOpen(ev.SessionID)
	case EventClose:
		return c.OnClose(ev.SessionID)
	case EventError:
		return c.OnError(ev.SessionID, ev.Err)
	case EventSample:
		return c.OnSample(ev.SessionID, ev.Sample)
	}
	c.logger.WithField("kind", ev.Kind).Warn("Unknown ingestion event ignored")
	return nil
}

// Run consumes events until ctx is cancelled or the channel is closed.
func (c *Controller) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_ = c.Handle(ev)
		}
	}
}

// Snapshot returns the latest snapshot of a session, including stopped ones.
func (c *Controller) Snapshot(sessionID string) (Snapshot, bool) {
	e := c.lookup(sessionID)
	if e == nil {
		return Snapshot{}, false
	}
	return *e.snapshot(), true
}

// Snapshots returns all known sessions ordered by id.
func (c *Controller) Snapshots() []Snapshot {
	c.mu.RLock()
	out := make([]Snapshot, 0, len(c.sessions))
	for _, e := range c.sessions {
		out = append(out, *e.snapshot())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Running returns the ids of sessions that are not stopped.
func (c *Controller) Running() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id, e := range c.sessions {
		if e.snapshot().Lifecycle != Stopped {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Controller) apply(sessionID, what string, fn func(*State, time.Time) error) error {
	log := c.logger.WithFields(logrus.Fields{"session_id": sessionID, "event": what})

	e := c.lookup(sessionID)
	if e == nil {
		log.Warn("Event for unknown session ignored")
		return ErrUnknownSession
	}

	e.mu.Lock()
	if err := fn(e.state, c.opts.Now()); err != nil {
		e.mu.Unlock()
		log.WithError(err).Warn("Event rejected")
		return err
	}
	snap := e.state.Snapshot()
	e.snap.Store(&snap)
	// Publishing under e.mu keeps publications in transition order; the bus
	// never blocks.
	if what == "sample" {
		c.metrics.SetAccruedTax(sessionID, snap.AccumulatedTax.InexactFloat64())
	}
	c.publish(&snap)
	e.mu.Unlock()

	if what == "sample" {
		log.WithFields(logrus.Fields{
			"co2":    snap.LatestSample.CO2,
			"status": snap.LatestStatus.String(),
			"tax":    snap.AccumulatedTax.StringFixed(6),
		}).Debug("Sample applied")
	} else {
		log.WithField("connectivity", snap.Connectivity.String()).Info("Connectivity changed")
	}
	return nil
}

func (c *Controller) lookup(sessionID string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[sessionID]
}

func (c *Controller) running() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.countRunningLocked()
}

func (c *Controller) countRunningLocked() int {
	n := 0
	for _, e := range c.sessions {
		if e.snapshot().Lifecycle != Stopped {
			n++
		}
	}
	return n
}

func (c *Controller) publish(s *Snapshot) {
	if c.pub != nil {
		c.pub.Publish(s)
	}
}

func (e *entry) snapshot() *Snapshot { return e.snap.Load() }
