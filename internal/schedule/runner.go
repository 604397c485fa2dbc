package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/carbono-zero/co2-live/internal/airquality"
	"github.com/carbono-zero/co2-live/internal/session"
	"github.com/carbono-zero/co2-live/internal/tax"
	"github.com/sirupsen/logrus"
)

// maxCatchUp bounds how many missed minutes one tick replays, e.g. after
// the host was suspended.
const maxCatchUp = 60

// Sessions is the part of the session controller the runner drives.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (session.Snapshot, error)
	Stop(ctx context.Context, sessionID string) error
}

// Runner starts and stops sessions following a weekly class schedule.
type Runner struct {
	classes    []Class
	sessions   Sessions
	thresholds airquality.Thresholds
	tax        tax.Config
	loc        *time.Location
	interval   time.Duration
	now        func() time.Time
	logger     *logrus.Logger

	last time.Time // last evaluated minute
}

// NewRunner creates a runner. Sessions started by the runner use the given
// default thresholds and tax rate.
func NewRunner(classes []Class, sessions Sessions, thresholds airquality.Thresholds, taxCfg tax.Config, loc *time.Location, interval time.Duration, logger *logrus.Logger) *Runner {
	if loc == nil {
		loc = time.Local
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		classes:    classes,
		sessions:   sessions,
		thresholds: thresholds,
		tax:        taxCfg,
		loc:        loc,
		interval:   interval,
		now:        time.Now,
		logger:     logger,
	}
}

// Run evaluates the schedule on every tick until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.WithFields(logrus.Fields{
		"classes":  len(r.classes),
		"timezone": r.loc.String(),
		"interval": r.interval,
	}).Info("Class schedule runner started")

	r.Tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick evaluates every minute since the previous tick, so a late tick does
// not skip a class boundary and an early one does not repeat it.
func (r *Runner) Tick(ctx context.Context) {
	cur := r.now().In(r.loc).Truncate(time.Minute)
	if r.last.IsZero() {
		r.last = cur.Add(-time.Minute)
	}
	if !cur.After(r.last) {
		return
	}

	from := r.last.Add(time.Minute)
	if cur.Sub(from) >= maxCatchUp*time.Minute {
		r.logger.WithField("missed_from", from).Warn("Schedule runner fell behind, skipping missed minutes")
		from = cur.Add(-(maxCatchUp - 1) * time.Minute)
	}
	for m := from; !m.After(cur); m = m.Add(time.Minute) {
		r.evaluate(ctx, m)
	}
	r.last = cur
}

func (r *Runner) evaluate(ctx context.Context, minute time.Time) {
	start, stop := Due(r.classes, minute)

	// Stops first so a back-to-back class in the same room can start.
	for _, c := range stop {
		log := r.logger.WithFields(logrus.Fields{"class_id": c.ID, "class": c.Name})
		err := r.sessions.Stop(ctx, c.ID)
		switch {
		case err == nil:
			log.Info("Scheduled class ended, session stopped")
		case errors.Is(err, session.ErrUnknownSession):
			log.Debug("Scheduled class ended but no session was running")
		default:
			log.WithError(err).Error("Failed to stop scheduled session")
		}
	}

	for _, c := range start {
		log := r.logger.WithFields(logrus.Fields{"class_id": c.ID, "class": c.Name})
		_, err := r.sessions.Start(ctx, session.StartRequest{
			SessionID:  c.ID,
			Capacity:   c.Capacity,
			Thresholds: r.thresholds,
			Tax:        r.tax,
		})
		switch {
		case err == nil:
			log.Info("Scheduled class began, session started")
		case errors.Is(err, session.ErrSessionExists):
			log.Debug("Scheduled session already running")
		default:
			log.WithError(err).Error("Failed to start scheduled session")
		}
	}
}
