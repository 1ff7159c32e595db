// Package sweeper is the reconciliation pass that makes escalation survive
// lost in-memory timers: obligation state is durable, the sweep is stateless
// and idempotent, so nothing stays missed longer than one sweep interval
// plus the retry window.
package sweeper

import (
	"context"
	"time"

	"github.com/carelink-health/carelink/pkg/common/logger"
	"github.com/carelink-health/carelink/pkg/escalate"
	"github.com/carelink-health/carelink/pkg/obligation"
	"github.com/carelink-health/carelink/pkg/schedule"
)

type Store interface {
	ScanOverdue(ctx context.Context, cutoff time.Time) ([]obligation.Obligation, error)
	ScanUnescalatedReadings(ctx context.Context) ([]obligation.Reading, error)
}

// Escalator is the engine's terminal path for missed obligations.
type Escalator interface {
	EscalateMissed(ctx context.Context, key obligation.Key)
}

type Dispatcher interface {
	EscalateReading(ctx context.Context, r obligation.Reading, reason string) error
}

type Sweeper struct {
	store    Store
	esc      Escalator
	dispatch Dispatcher
	clock    schedule.Clock
	interval time.Duration
	window   time.Duration
}

func New(store Store, esc Escalator, dispatch Dispatcher, clock schedule.Clock, interval, retryWindow time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		esc:      esc,
		dispatch: dispatch,
		clock:    clock,
		interval: interval,
		window:   retryWindow,
	}
}

// Run sweeps immediately, then on every tick until the context is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.SweepOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce escalates every obligation whose reminder went out longer than
// the full retry window ago with no settlement, and re-dispatches
// out-of-range readings whose alert never got stamped.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.window)

	overdue, err := s.store.ScanOverdue(ctx, cutoff)
	if err != nil {
		logger.Log.WithError(err).Error("sweep: overdue scan failed")
	} else {
		for _, o := range overdue {
			s.esc.EscalateMissed(ctx, o.Key())
		}
		if len(overdue) > 0 {
			logger.WithField("count", len(overdue)).Info("sweep: overdue obligations escalated")
		}
	}

	readings, err := s.store.ScanUnescalatedReadings(ctx)
	if err != nil {
		logger.Log.WithError(err).Error("sweep: reading scan failed")
		return
	}
	for _, r := range readings {
		if err := s.dispatch.EscalateReading(ctx, r, escalate.ReasonVitalThreshold); err != nil {
			logger.Log.WithError(err).WithField("reading", r.ID.String()).Error("sweep: reading escalation failed")
		}
	}
}
