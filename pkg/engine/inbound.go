package engine

import (
	"context"
	"strings"

	"github.com/carelink-health/carelink/pkg/audit"
	"github.com/carelink-health/carelink/pkg/common/logger"
	"github.com/carelink-health/carelink/pkg/escalate"
	"github.com/carelink-health/carelink/pkg/i18n"
	"github.com/carelink-health/carelink/pkg/obligation"
	"github.com/carelink-health/carelink/pkg/roster"
	"github.com/carelink-health/carelink/pkg/schedule"
	"github.com/carelink-health/carelink/pkg/transport"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// HandleConfirmTap settles via the inline button.
func (e *Engine) HandleConfirmTap(ctx context.Context, patientID int64) {
	e.Confirm(ctx, patientID, obligation.ViaButton)
}

// HandleMessage classifies a free-text patient message. Order matters:
// measurement reports are start-anchored and never reach the dose path,
// confirmations are searched anywhere, everything else gets the help prompt.
func (e *Engine) HandleMessage(ctx context.Context, msg transport.Inbound) {
	p, ok := e.roster.Patient(msg.PatientID)
	if !ok {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if id, body, ok := e.measures.Match(text); ok {
		e.handleMeasurement(ctx, p, id, body)
		return
	}

	if e.confirms.Matches(text) {
		e.Confirm(ctx, p.PatientID, obligation.ViaText)
		return
	}

	switch strings.ToLower(text) {
	case "help", "?", "довідка":
		e.reply(ctx, p, i18n.T("help"))
		return
	}

	e.reply(ctx, p, i18n.T("unknown"))
}

func (e *Engine) handleMeasurement(ctx context.Context, p *roster.Patient, id, body string) {
	values, err := e.measures.Parse(id, body)
	if err != nil {
		// Malformed report: correction prompt, no state change.
		if e.measures.ParserKind(id) == "int3" {
			e.reply(ctx, p, i18n.T("err_pressure"))
		} else {
			e.reply(ctx, p, i18n.T("err_value"))
		}
		return
	}

	now := e.clock.Now()
	stored := make(datatypes.JSONMap, len(values))
	for k, v := range values {
		stored[k] = v
	}
	r := obligation.Reading{
		ID:         uuid.New(),
		PatientID:  p.PatientID,
		RecordedAt: now.UTC(),
		Kind:       id,
		Values:     stored,
	}
	r.OutOfRange, r.RuleHit = e.monitor.Evaluate(id, values)

	if err := e.store.CreateReading(ctx, &r); err != nil {
		// No ack for a reading we could not persist.
		logger.Log.WithError(err).WithField("patient_id", p.PatientID).Error("failed to persist reading")
		return
	}

	e.ackReading(ctx, p, id, values)

	if r.OutOfRange {
		// Bypasses any retry delay; the sweeper re-dispatches on failure.
		if err := e.dispatch.EscalateReading(ctx, r, escalate.ReasonVitalThreshold); err != nil {
			logger.Log.WithError(err).WithField("reading", r.ID.String()).Error("vital-threshold escalation failed")
		}
	}

	e.settleCheck(ctx, p, id)
}

func (e *Engine) ackReading(ctx context.Context, p *roster.Patient, id string, values map[string]float64) {
	if id == "pressure" {
		e.reply(ctx, p, i18n.T("ack_pressure",
			int(values["systolic"]), int(values["diastolic"]), int(values["pulse"])))
		return
	}
	fields := e.measures.Fields(id)
	if len(fields) == 1 {
		e.reply(ctx, p, i18n.T("ack_value", e.measures.Label(id), values[fields[0]]))
		return
	}
	e.reply(ctx, p, i18n.T("ack_confirm"))
}

// settleCheck confirms today's measurement-check obligation of the reported
// kind, so a reading sent before or during its reminder window counts.
func (e *Engine) settleCheck(ctx context.Context, p *roster.Patient, measureID string) {
	now := e.clock.Now()
	today := schedule.Day(e.clock, now)
	for _, c := range p.Checks {
		if c.Measure != measureID {
			continue
		}
		key := obligation.Key{PatientID: p.PatientID, Day: today, Kind: c.Kind}
		unlock := e.locks.lock(key.String())

		o, err := e.store.Ensure(ctx, key, c.Label, e.scheduledInstant(now, c))
		if err != nil {
			logger.Log.WithError(err).WithField("obligation", key.String()).Error("store unavailable settling check")
			unlock()
			continue
		}
		if o.Terminal() {
			unlock()
			continue
		}
		ok, err := e.store.Confirm(ctx, key, now, obligation.ViaText)
		if err != nil {
			logger.Log.WithError(err).WithField("obligation", key.String()).Error("failed to settle check")
			unlock()
			continue
		}
		if ok {
			e.sched.Cancel(retryJobID(key))
			e.audit.RecordOutcome(ctx, key, audit.OutcomeConfirmed, o.AttemptCount)
		}
		unlock()
	}
}
