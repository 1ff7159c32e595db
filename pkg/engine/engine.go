// Package engine owns the per-obligation state machine: pending → reminded →
// retrying → confirmed | escalated. It is the only writer of transition
// fields; the matcher and the sweeper go through its API so the
// terminal-state invariant has a single choke point.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/carelink-health/carelink/pkg/audit"
	"github.com/carelink-health/carelink/pkg/common/logger"
	"github.com/carelink-health/carelink/pkg/escalate"
	"github.com/carelink-health/carelink/pkg/i18n"
	"github.com/carelink-health/carelink/pkg/matcher"
	"github.com/carelink-health/carelink/pkg/measure"
	"github.com/carelink-health/carelink/pkg/obligation"
	"github.com/carelink-health/carelink/pkg/roster"
	"github.com/carelink-health/carelink/pkg/schedule"
	"github.com/carelink-health/carelink/pkg/threshold"
	"github.com/carelink-health/carelink/pkg/transport"
)

// Store is what the engine needs from the obligation repository.
type Store interface {
	Ensure(ctx context.Context, key obligation.Key, label string, scheduledAt time.Time) (obligation.Obligation, error)
	Get(ctx context.Context, key obligation.Key) (obligation.Obligation, error)
	MarkReminded(ctx context.Context, key obligation.Key, at time.Time, attempts int, state obligation.State) (bool, error)
	Confirm(ctx context.Context, key obligation.Key, at time.Time, via obligation.ConfirmVia) (bool, error)
	LateConfirm(ctx context.Context, key obligation.Key, at time.Time, via obligation.ConfirmVia) (bool, error)
	ScanOpen(ctx context.Context) ([]obligation.Obligation, error)
	OpenReminded(ctx context.Context, patientID int64, days []string, kinds []string) ([]obligation.Obligation, error)
	CreateReading(ctx context.Context, reading *obligation.Reading) error
	HasReadingToday(ctx context.Context, patientID int64, kind string, from, to time.Time) (bool, error)
}

// Dispatcher delivers caregiver alerts; see package escalate.
type Dispatcher interface {
	EscalateObligation(ctx context.Context, o obligation.Obligation, reason string) error
	EscalateReading(ctx context.Context, r obligation.Reading, reason string) error
	NotifyLateConfirmation(ctx context.Context, o obligation.Obligation) error
}

// Auditor records terminal transitions; see package audit.
type Auditor interface {
	RecordOutcome(ctx context.Context, key obligation.Key, outcome string, attempts int)
}

// Scheduler arms and cancels timers; see package schedule.
type Scheduler interface {
	ScheduleAt(id string, at time.Time, fn func())
	ScheduleDaily(id string, hour, minute int, fn func())
	Cancel(id string)
}

// Deps collects the engine's collaborators.
type Deps struct {
	Store     Store
	Transport transport.Transport
	Scheduler Scheduler
	Dispatch  Dispatcher
	Audit     Auditor
	Clock     schedule.Clock
	Roster    *roster.Roster
	Measures  *measure.Registry
	Confirms  *matcher.Matcher
	Monitor   *threshold.Monitor
}

// Policy is the retry/escalation timing configuration.
type Policy struct {
	RetryDelay  time.Duration
	MaxAttempts int
	GraceWindow time.Duration
}

type Engine struct {
	store    Store
	out      transport.Transport
	sched    Scheduler
	dispatch Dispatcher
	audit    Auditor
	clock    schedule.Clock
	roster   *roster.Roster
	measures *measure.Registry
	confirms *matcher.Matcher
	monitor  *threshold.Monitor
	policy   Policy
	locks    *keyedMutex
}

func New(deps Deps, policy Policy) *Engine {
	return &Engine{
		store:    deps.Store,
		out:      deps.Transport,
		sched:    deps.Scheduler,
		dispatch: deps.Dispatch,
		audit:    deps.Audit,
		clock:    deps.Clock,
		roster:   deps.Roster,
		measures: deps.Measures,
		confirms: deps.Confirms,
		monitor:  deps.Monitor,
		policy:   policy,
		locks:    newKeyedMutex(),
	}
}

func dailyJobID(patientID int64, kind string) string {
	return fmt.Sprintf("daily:%d:%s", patientID, kind)
}

func retryJobID(key obligation.Key) string {
	return "retry:" + key.String()
}

// Start registers the daily reminder jobs for every roster entry and rebuilds
// retry timers from durable state. Open obligations already past the full
// retry window go straight to escalation.
func (e *Engine) Start(ctx context.Context) error {
	for i := range e.roster.Patients {
		p := &e.roster.Patients[i]
		for _, entry := range p.Entries() {
			hour, minute, err := roster.ParseHHMM(entry.Time)
			if err != nil {
				return fmt.Errorf("patient %d entry %s: %w", p.PatientID, entry.Kind, err)
			}
			pid, kind := p.PatientID, entry.Kind
			e.sched.ScheduleDaily(dailyJobID(pid, kind), hour, minute, func() {
				e.OnScheduledFire(context.Background(), pid, kind)
			})
		}
	}
	return e.rearm(ctx)
}

func (e *Engine) rearm(ctx context.Context) error {
	open, err := e.store.ScanOpen(ctx)
	if err != nil {
		return fmt.Errorf("rearm scan: %w", err)
	}
	now := e.clock.Now()
	window := time.Duration(e.policy.MaxAttempts) * e.policy.RetryDelay
	for _, o := range open {
		key := o.Key()
		if o.ReminderAt != nil && now.Sub(*o.ReminderAt) >= window {
			e.EscalateMissed(ctx, key)
			continue
		}
		e.armRetry(key)
		logger.WithField("obligation", key.String()).Info("retry timer rebuilt from store")
	}
	return nil
}

func (e *Engine) armRetry(key obligation.Key) {
	e.sched.ScheduleAt(retryJobID(key), e.clock.Now().Add(e.policy.RetryDelay), func() {
		e.OnRetryFire(context.Background(), key)
	})
}

// scheduledInstant places an HH:MM roster entry on the calendar day of ref.
func (e *Engine) scheduledInstant(ref time.Time, entry roster.Entry) time.Time {
	hour, minute, _ := roster.ParseHHMM(entry.Time)
	local := ref.In(e.clock.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, e.clock.Location())
}

// OnScheduledFire handles the obligation's configured reminder time: lazily
// materialize the record, send the first reminder, arm the retry timer.
// Terminal records make this a no-op, so duplicate fires are harmless.
func (e *Engine) OnScheduledFire(ctx context.Context, patientID int64, kind string) {
	p, ok := e.roster.Patient(patientID)
	if !ok {
		logger.WithField("patient_id", patientID).Warn("scheduled fire for unknown patient")
		return
	}
	entry, ok := p.Entry(kind)
	if !ok {
		logger.WithFields(map[string]interface{}{"patient_id": patientID, "kind": kind}).Warn("scheduled fire for unknown entry")
		return
	}

	now := e.clock.Now()
	key := obligation.Key{PatientID: patientID, Day: schedule.Day(e.clock, now), Kind: kind}
	unlock := e.locks.lock(key.String())
	defer unlock()

	o, err := e.store.Ensure(ctx, key, entry.Label, e.scheduledInstant(now, entry))
	if err != nil {
		logger.Log.WithError(err).WithField("obligation", key.String()).Error("store unavailable on scheduled fire")
		return
	}
	if o.Terminal() {
		return
	}

	if !entry.IsDose() {
		// A reading reported earlier in the day settles the check silently
		// instead of nagging for a measurement that already happened.
		from, to := schedule.DayBounds(e.clock, now)
		has, err := e.store.HasReadingToday(ctx, patientID, entry.Measure, from, to)
		if err != nil {
			logger.Log.WithError(err).WithField("obligation", key.String()).Error("reading lookup failed on scheduled fire")
		} else if has {
			settled, err := e.store.Confirm(ctx, key, now, obligation.ViaText)
			if err != nil {
				logger.Log.WithError(err).WithField("obligation", key.String()).Error("failed to settle measured check")
				return
			}
			if settled {
				e.audit.RecordOutcome(ctx, key, audit.OutcomeConfirmed, o.AttemptCount)
			}
			return
		}
	}

	// Reminder goes out before the write lands: a duplicate reminder on
	// failure is the acceptable side; a silently skipped one is not.
	e.sendReminder(ctx, p, entry, o.AttemptCount+1)

	ok, err = e.store.MarkReminded(ctx, key, now, o.AttemptCount+1, obligation.StateReminded)
	if err != nil {
		// Timer stays unarmed until the write succeeds; the sweeper converges.
		logger.Log.WithError(err).WithField("obligation", key.String()).Error("failed to persist reminder")
		return
	}
	if !ok {
		return
	}
	e.armRetry(key)
}

// OnRetryFire handles an armed retry timer: resend below the attempt budget,
// escalate once it is exhausted. No-op on terminal records.
func (e *Engine) OnRetryFire(ctx context.Context, key obligation.Key) {
	p, ok := e.roster.Patient(key.PatientID)
	if !ok {
		return
	}
	entry, ok := p.Entry(key.Kind)
	if !ok {
		return
	}

	unlock := e.locks.lock(key.String())
	defer unlock()

	o, err := e.store.Get(ctx, key)
	if err != nil {
		logger.Log.WithError(err).WithField("obligation", key.String()).Error("store unavailable on retry fire")
		return
	}
	if o.Terminal() {
		return
	}

	if o.AttemptCount < e.policy.MaxAttempts {
		e.sendReminder(ctx, p, entry, o.AttemptCount+1)
		ok, err := e.store.MarkReminded(ctx, key, e.clock.Now(), o.AttemptCount+1, obligation.StateRetrying)
		if err != nil {
			logger.Log.WithError(err).WithField("obligation", key.String()).Error("failed to persist retry")
			return
		}
		if ok {
			e.armRetry(key)
		}
		return
	}

	e.escalateMissedLocked(ctx, o)
}

// EscalateMissed drives an overdue obligation to escalation through the same
// terminal path a retry fire would take. Called by the sweeper.
func (e *Engine) EscalateMissed(ctx context.Context, key obligation.Key) {
	unlock := e.locks.lock(key.String())
	defer unlock()

	o, err := e.store.Get(ctx, key)
	if err != nil {
		logger.Log.WithError(err).WithField("obligation", key.String()).Error("store unavailable on sweep escalation")
		return
	}
	if o.Terminal() {
		return
	}
	e.escalateMissedLocked(ctx, o)
}

func (e *Engine) escalateMissedLocked(ctx context.Context, o obligation.Obligation) {
	// An escalated row always reads the full attempt budget, even when lost
	// timers kept the counter short; the dispatcher writes it with the stamp.
	if o.AttemptCount < e.policy.MaxAttempts {
		o.AttemptCount = e.policy.MaxAttempts
	}
	if err := e.dispatch.EscalateObligation(ctx, o, escalate.ReasonMissed); err != nil {
		// Never stamp on failure: an undelivered caregiver alert is the one
		// failure mode this system exists to prevent. The sweeper retries.
		logger.Log.WithError(err).WithField("obligation", o.Key().String()).Error("escalation delivery failed")
		return
	}
	e.sched.Cancel(retryJobID(o.Key()))
	e.audit.RecordOutcome(ctx, o.Key(), audit.OutcomeEscalated, o.AttemptCount)
}

func (e *Engine) sendReminder(ctx context.Context, p *roster.Patient, entry roster.Entry, attempt int) {
	var text string
	switch {
	case !entry.IsDose():
		text = i18n.T("check_reminder", entry.Label)
	case attempt <= 1:
		text = i18n.T("reminder", entry.Label)
	default:
		text = i18n.T("reminder_retry", attempt, entry.Label)
	}
	if err := e.out.SendToPatient(ctx, p.PatientID, text, entry.IsDose()); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"patient_id": p.PatientID,
			"kind":       entry.Kind,
			"attempt":    attempt,
		}).Warn("reminder send failed")
	}
}

// Confirm settles the patient's current target obligation. Works for both
// the inline button and a recognized text confirmation.
func (e *Engine) Confirm(ctx context.Context, patientID int64, via obligation.ConfirmVia) {
	p, ok := e.roster.Patient(patientID)
	if !ok {
		return
	}
	target, pre, err := e.resolveConfirmTarget(ctx, p)
	if err != nil {
		logger.Log.WithError(err).WithField("patient_id", patientID).Error("confirm target resolution failed")
		return
	}
	if target == nil {
		// Nothing open and nothing imminent: treated as unrecognized input.
		e.reply(ctx, p, i18n.T("unknown"))
		return
	}
	e.confirmObligation(ctx, p, *target, pre, via)
}

// resolveConfirmTarget picks the obligation a confirmation applies to:
// the most recently reminded unconfirmed dose today, else yesterday (a reply
// just after local midnight), else the next not-yet-fired dose of the day
// when it is inside the grace window (a pre-confirmation).
func (e *Engine) resolveConfirmTarget(ctx context.Context, p *roster.Patient) (*obligation.Obligation, bool, error) {
	kinds := p.DoseKinds()
	if len(kinds) == 0 {
		return nil, false, nil
	}
	now := e.clock.Now()
	today := schedule.Day(e.clock, now)
	yesterday := schedule.Day(e.clock, now.AddDate(0, 0, -1))

	open, err := e.store.OpenReminded(ctx, p.PatientID, []string{today, yesterday}, kinds)
	if err != nil {
		return nil, false, err
	}
	for i := range open {
		if open[i].Day == today {
			return &open[i], false, nil
		}
	}
	if len(open) > 0 {
		return &open[0], false, nil
	}

	// Pre-confirmation: earliest dose whose scheduled time is ahead of now
	// but inside the grace window.
	var best *roster.Entry
	var bestAt time.Time
	for _, d := range p.Doses {
		d := d
		at := e.scheduledInstant(now, d)
		if at.After(now) && at.Sub(now) <= e.policy.GraceWindow {
			if best == nil || at.Before(bestAt) {
				best, bestAt = &d, at
			}
		}
	}
	if best == nil {
		return nil, false, nil
	}
	key := obligation.Key{PatientID: p.PatientID, Day: today, Kind: best.Kind}
	o, err := e.store.Ensure(ctx, key, best.Label, bestAt)
	if err != nil {
		return nil, false, err
	}
	return &o, true, nil
}

func (e *Engine) confirmObligation(ctx context.Context, p *roster.Patient, target obligation.Obligation, pre bool, via obligation.ConfirmVia) {
	key := target.Key()
	unlock := e.locks.lock(key.String())
	defer unlock()

	// Re-read under the lock: a retry fire may have escalated in between.
	o, err := e.store.Get(ctx, key)
	if err != nil {
		logger.Log.WithError(err).WithField("obligation", key.String()).Error("store unavailable on confirm")
		return
	}

	if o.ConfirmedAt != nil {
		e.reply(ctx, p, i18n.T("ack_settled"))
		return
	}

	now := e.clock.Now()
	if o.EscalatedAt != nil {
		// Escalation already went out: record the confirmation, keep the
		// escalation on record, tell the caregiver once.
		ok, err := e.store.LateConfirm(ctx, key, now, via)
		if err != nil {
			logger.Log.WithError(err).WithField("obligation", key.String()).Error("failed to persist late confirmation")
			return
		}
		if ok {
			if err := e.dispatch.NotifyLateConfirmation(ctx, o); err != nil {
				logger.Log.WithError(err).WithField("obligation", key.String()).Error("late confirmation notice failed")
			}
			e.audit.RecordOutcome(ctx, key, audit.OutcomeLateConfirmed, o.AttemptCount)
			e.reply(ctx, p, i18n.T("ack_confirm"))
		}
		return
	}

	ok, err := e.store.Confirm(ctx, key, now, via)
	if err != nil {
		logger.Log.WithError(err).WithField("obligation", key.String()).Error("failed to persist confirmation")
		return
	}
	if !ok {
		return
	}
	e.sched.Cancel(retryJobID(key))
	e.audit.RecordOutcome(ctx, key, audit.OutcomeConfirmed, o.AttemptCount)
	if pre {
		e.reply(ctx, p, i18n.T("ack_preconfirm", o.Label))
	} else {
		e.reply(ctx, p, i18n.T("ack_confirm"))
	}
}

func (e *Engine) reply(ctx context.Context, p *roster.Patient, text string) {
	if err := e.out.SendToPatient(ctx, p.PatientID, text, false); err != nil {
		logger.Log.WithError(err).WithField("patient_id", p.PatientID).Warn("reply send failed")
	}
}
