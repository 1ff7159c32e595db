// Package escalate delivers caregiver-facing alerts exactly-once-effective:
// the escalation stamp is written only after the send attempt succeeded, and
// an already-stamped subject is never alerted again.
package escalate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carelink-health/carelink/pkg/common/logger"
	"github.com/carelink-health/carelink/pkg/i18n"
	"github.com/carelink-health/carelink/pkg/measure"
	"github.com/carelink-health/carelink/pkg/obligation"
	"github.com/carelink-health/carelink/pkg/roster"
	"github.com/carelink-health/carelink/pkg/schedule"
	"github.com/carelink-health/carelink/pkg/transport"
	"github.com/google/uuid"
)

const (
	ReasonMissed         = "missed"
	ReasonVitalThreshold = "vital-threshold"

	dedupeTTL = 24 * time.Hour
)

// Store is the slice of the repository the dispatcher needs: the terminal
// escalation stamps for both subject types.
type Store interface {
	Escalate(ctx context.Context, key obligation.Key, at time.Time, attempts int) (bool, error)
	EscalateReading(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

type Dispatcher struct {
	transport transport.Transport
	store     Store
	dedupe    Deduper
	roster    *roster.Roster
	measures  *measure.Registry
	clock     schedule.Clock
}

func NewDispatcher(t transport.Transport, store Store, dedupe Deduper, r *roster.Roster, m *measure.Registry, clock schedule.Clock) *Dispatcher {
	if dedupe == nil {
		dedupe = NopDeduper{}
	}
	return &Dispatcher{transport: t, store: store, dedupe: dedupe, roster: r, measures: m, clock: clock}
}

// EscalateObligation alerts the caregiver about a missed obligation and
// stamps the record. Idempotent per subject; a send failure leaves the
// record unstamped so the caller (retry timer or sweeper) tries again.
func (d *Dispatcher) EscalateObligation(ctx context.Context, o obligation.Obligation, reason string) error {
	if o.EscalatedAt != nil {
		return nil
	}
	p, ok := d.roster.Patient(o.PatientID)
	if !ok {
		return fmt.Errorf("%w: %d", roster.ErrUnknownPatient, o.PatientID)
	}

	dkey := "obligation:" + o.Key().String()
	acquired, err := d.dedupe.Acquire(ctx, dkey, dedupeTTL)
	if err != nil {
		// Dedup is advisory; the store CAS still guarantees a single stamp.
		logger.Log.WithError(err).Warn("escalation dedupe unavailable")
	} else if !acquired {
		// A held lease means the alert already went out. The stamp may still
		// be missing if that write failed, so re-attempt it instead of leaving
		// the record non-terminal for the rest of the lease.
		if _, err := d.store.Escalate(ctx, o.Key(), d.clock.Now(), o.AttemptCount); err != nil {
			return fmt.Errorf("stamp escalation %s: %w", o.Key(), err)
		}
		return nil
	}

	when := o.ScheduledAt.In(d.clock.Location()).Format("2006-01-02 15:04")
	text := i18n.T("alert_missed", p.Label, o.Label, when)
	if err := d.transport.SendToCaregiver(ctx, p.CaregiverChatID, text); err != nil {
		d.dedupe.Release(ctx, dkey)
		return fmt.Errorf("escalate %s (%s): %w", o.Key(), reason, err)
	}

	stamped, err := d.store.Escalate(ctx, o.Key(), d.clock.Now(), o.AttemptCount)
	if err != nil {
		// Alert went out but the stamp failed; the sweeper will retry and the
		// dedupe lease absorbs the duplicate.
		return fmt.Errorf("stamp escalation %s: %w", o.Key(), err)
	}
	if !stamped {
		logger.WithField("obligation", o.Key().String()).Info("escalation already stamped")
	}
	return nil
}

// EscalateReading alerts the caregiver about an out-of-range reading,
// bypassing any retry delay.
func (d *Dispatcher) EscalateReading(ctx context.Context, r obligation.Reading, reason string) error {
	if r.EscalatedAt != nil {
		return nil
	}
	p, ok := d.roster.Patient(r.PatientID)
	if !ok {
		return fmt.Errorf("%w: %d", roster.ErrUnknownPatient, r.PatientID)
	}

	dkey := "reading:" + r.ID.String()
	acquired, err := d.dedupe.Acquire(ctx, dkey, dedupeTTL)
	if err != nil {
		logger.Log.WithError(err).Warn("escalation dedupe unavailable")
	} else if !acquired {
		// Same stamp re-attempt as for obligations.
		if _, err := d.store.EscalateReading(ctx, r.ID, d.clock.Now()); err != nil {
			return fmt.Errorf("stamp reading escalation %s: %w", r.ID, err)
		}
		return nil
	}

	text := i18n.T("alert_vital", p.Label, d.describeReading(r), r.RuleHit)
	if err := d.transport.SendToCaregiver(ctx, p.CaregiverChatID, text); err != nil {
		d.dedupe.Release(ctx, dkey)
		return fmt.Errorf("escalate reading %s (%s): %w", r.ID, reason, err)
	}

	if _, err := d.store.EscalateReading(ctx, r.ID, d.clock.Now()); err != nil {
		return fmt.Errorf("stamp reading escalation %s: %w", r.ID, err)
	}
	return nil
}

// NotifyLateConfirmation tells the caregiver an already-escalated obligation
// got confirmed after the fact. Escalation stays on record.
func (d *Dispatcher) NotifyLateConfirmation(ctx context.Context, o obligation.Obligation) error {
	p, ok := d.roster.Patient(o.PatientID)
	if !ok {
		return fmt.Errorf("%w: %d", roster.ErrUnknownPatient, o.PatientID)
	}
	when := o.ScheduledAt.In(d.clock.Location()).Format("2006-01-02 15:04")
	return d.transport.SendToCaregiver(ctx, p.CaregiverChatID, i18n.T("late_confirm_notice", p.Label, o.Label, when))
}

func (d *Dispatcher) describeReading(r obligation.Reading) string {
	label := r.Kind
	if l := d.measures.Label(r.Kind); l != "" {
		label = l
	}
	values := r.ValueMap()
	parts := make([]string, 0, len(values))
	for _, f := range d.measures.Fields(r.Kind) {
		if v, ok := values[f]; ok {
			parts = append(parts, fmt.Sprintf("%g", v))
		}
	}
	if len(parts) == 0 {
		return label
	}
	return label + " " + strings.Join(parts, "/")
}
