package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/carbono-zero/co2-live/internal/api"
	"github.com/carbono-zero/co2-live/internal/bus"
	"github.com/carbono-zero/co2-live/internal/config"
	"github.com/carbono-zero/co2-live/internal/domain"
	"github.com/carbono-zero/co2-live/internal/metrics"
	"github.com/carbono-zero/co2-live/internal/schedule"
	"github.com/carbono-zero/co2-live/internal/session"
	"github.com/carbono-zero/co2-live/internal/transmission"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Channel is a transmitter together with its cadence.
type Channel struct {
	Name        string
	Interval    time.Duration
	Timeout     time.Duration
	Transmitter transmission.Transmitter
}

// Components are the pieces Run wires together. Everything except
// Controller and Logger is optional.
type Components struct {
	Controller *session.Controller
	Events     <-chan session.Event
	Bus        *bus.Bus
	Hub        *api.Hub
	Channels   []Channel
	Schedule   *schedule.Runner
	Metrics    *metrics.Metrics
	Logger     *logrus.Logger

	HTTPAddr    string
	HTTPHandler http.Handler

	// TickInterval is the scheduler resolution, 1s when zero.
	TickInterval time.Duration
	// Retention is how long a stopped session stays queryable before it is
	// disposed. Zero keeps stopped sessions until restart.
	Retention time.Duration
}

// Run launches every component and blocks until ctx is cancelled. On the
// way out all running sessions are stopped and their final snapshots are
// flushed to the transmitters.
func Run(parentCtx context.Context, c Components) error {
	logger := c.Logger
	grp, ctx := errgroup.WithContext(parentCtx)

	// Ingestion -----------------------------------------------------------
	if c.Events != nil {
		grp.Go(func() error {
			return c.Controller.Run(ctx, c.Events)
		})
	}

	// Live WebSocket feed -------------------------------------------------
	if c.Hub != nil && c.Bus != nil {
		feed := c.Bus.Subscribe()
		grp.Go(func() error {
			return c.Hub.Run(ctx, feed)
		})
	}

	// Class schedule ------------------------------------------------------
	if c.Schedule != nil {
		grp.Go(func() error {
			return c.Schedule.Run(ctx)
		})
	}

	// HTTP API ------------------------------------------------------------
	if c.HTTPAddr != "" && c.HTTPHandler != nil {
		srv := &http.Server{
			Addr:              c.HTTPAddr,
			Handler:           c.HTTPHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		grp.Go(func() error {
			logger.WithField("addr", c.HTTPAddr).Info("HTTP API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		grp.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Shutdown: stop sessions before the final flush ----------------------
	stopped := make(chan struct{})
	grp.Go(func() error {
		<-ctx.Done()
		n := c.Controller.StopAll(context.Background())
		logger.WithField("sessions", n).Info("Stopped running sessions")
		close(stopped)
		return nil
	})

	// Retention sweep -----------------------------------------------------
	if c.Retention > 0 {
		grp.Go(func() error {
			ticker := time.NewTicker(sweepInterval(c.Retention))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					c.Controller.Sweep(c.Retention)
				}
			}
		})
	}

	// Central scheduler ---------------------------------------------------
	if len(c.Channels) > 0 {
		sched := newScheduler(c.Channels, c.Controller, c.Metrics, logger)
		tick := c.TickInterval
		if tick <= 0 {
			tick = time.Second
		}
		grp.Go(func() error {
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					<-stopped
					flushCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
					sched.dispatch(flushCtx, time.Now(), true)
					cancel()
					return nil
				case <-ticker.C:
					sched.dispatch(ctx, time.Now(), false)
				}
			}
		})
	}

	err := grp.Wait()
	if c.Bus != nil {
		c.Bus.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("app: background group exited")
		return err
	}
	return nil
}

// sweepInterval checks a few times per retention period, at most once a minute.
func sweepInterval(retention time.Duration) time.Duration {
	d := retention / 4
	if d > time.Minute {
		d = time.Minute
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// snapshotSource is the read side of the session controller.
type snapshotSource interface {
	Snapshots() []session.Snapshot
}

type txState struct {
	Channel
	lastSent map[string]time.Time
	lastSnap map[string]*session.Snapshot
}

// scheduler sends each session's latest snapshot to every transmitter at the
// transmitter's interval, and only when something changed since the last
// successful send.
type scheduler struct {
	states  []*txState
	source  snapshotSource
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

func newScheduler(channels []Channel, source snapshotSource, m *metrics.Metrics, logger *logrus.Logger) *scheduler {
	s := &scheduler{source: source, metrics: m, logger: logger}
	for _, ch := range channels {
		if ch.Transmitter == nil {
			continue
		}
		s.states = append(s.states, &txState{
			Channel:  ch,
			lastSent: make(map[string]time.Time),
			lastSnap: make(map[string]*session.Snapshot),
		})
	}
	return s
}

// dispatch runs one scheduling pass. force ignores the intervals.
func (s *scheduler) dispatch(ctx context.Context, now time.Time, force bool) {
	snaps := s.source.Snapshots()
	known := make(map[string]struct{}, len(snaps))
	for i := range snaps {
		known[snaps[i].SessionID] = struct{}{}
	}
	for _, st := range s.states {
		st.forgetMissing(known)
		for i := range snaps {
			snap := snaps[i]
			id := snap.SessionID

			if !force && now.Sub(st.lastSent[id]) < st.Interval {
				continue
			}
			if !domain.Changed(st.lastSnap[id], &snap) {
				continue
			}
			if err := s.send(ctx, st, &snap); err != nil {
				s.logger.WithError(err).WithField("session_id", id).Warn(st.Name + " transmit failed")
				s.metrics.TransmitFailed(st.Name)
				// Forget the last snapshot so the next pass retries even
				// without a change, but still respect the interval.
				delete(st.lastSnap, id)
			} else {
				st.lastSnap[id] = &snap
			}
			st.lastSent[id] = now
		}
	}
}

// forgetMissing drops per-session state of sessions that were disposed.
func (st *txState) forgetMissing(known map[string]struct{}) {
	for id := range st.lastSent {
		if _, ok := known[id]; !ok {
			delete(st.lastSent, id)
			delete(st.lastSnap, id)
		}
	}
}

func (s *scheduler) send(ctx context.Context, st *txState, snap *session.Snapshot) error {
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}
	return st.Transmitter.Transmit(ctx, snap)
}
