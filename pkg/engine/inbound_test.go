package engine

import (
	"context"
	"testing"

	"github.com/carelink-health/carelink/pkg/audit"
	"github.com/carelink-health/carelink/pkg/i18n"
	"github.com/carelink-health/carelink/pkg/obligation"
	"github.com/carelink-health/carelink/pkg/transport"
	"github.com/stretchr/testify/require"
)

func inbound(env *testEnv, text string) transport.Inbound {
	return transport.Inbound{PatientID: 42, ChatID: 42, Text: text, SentAt: env.clock.Now()}
}

func TestMessagePressureIsAReadingNotAConfirmation(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))
	dose := env.key("dose-morning")
	env.seedReminded(dose, morningAt(9, 0), 1)

	env.engine.HandleMessage(context.Background(), inbound(env, "Тиск 140/90/70"))

	require.Len(t, env.store.readings, 1)
	r := env.store.readings[0]
	require.Equal(t, "pressure", r.Kind)
	require.Equal(t, map[string]float64{"systolic": 140, "diastolic": 90, "pulse": 70}, r.ValueMap())
	require.False(t, r.OutOfRange)
	require.Empty(t, env.disp.vital)

	// The open dose stays open: numbers in a report never count as "ок".
	require.Nil(t, env.store.get(dose).ConfirmedAt)
	require.Equal(t, i18n.T("ack_pressure", 140, 90, 70), env.tr.toPatient[0].Text)
}

func TestMessageOutOfRangeEscalatesImmediately(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))

	env.engine.HandleMessage(context.Background(), inbound(env, "тиск 185 95 70"))

	require.Len(t, env.store.readings, 1)
	require.True(t, env.store.readings[0].OutOfRange)
	require.NotEmpty(t, env.store.readings[0].RuleHit)
	require.Len(t, env.disp.vital, 1)
}

func TestMeasurementSettlesCheck(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))
	check := env.key("check-pressure")

	env.engine.HandleMessage(context.Background(), inbound(env, "Тиск 120/80/65"))

	o := env.store.get(check)
	require.NotNil(t, o.ConfirmedAt)
	require.Equal(t, obligation.StateConfirmed, o.State)
	require.Contains(t, env.aud.outcomes, audit.OutcomeConfirmed)
}

func TestMeasurementSettledCheckStaysSettled(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))
	env.engine.HandleMessage(context.Background(), inbound(env, "Тиск 120/80/65"))
	env.engine.HandleMessage(context.Background(), inbound(env, "Тиск 118/79/64"))

	require.Len(t, env.store.readings, 2)
	count := 0
	for _, outcome := range env.aud.outcomes {
		if outcome == audit.OutcomeConfirmed {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestMalformedPressureGetsCorrectionPrompt(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))

	env.engine.HandleMessage(context.Background(), inbound(env, "Тиск 140/90"))

	require.Empty(t, env.store.readings)
	require.Len(t, env.tr.toPatient, 1)
	require.Equal(t, i18n.T("err_pressure"), env.tr.toPatient[0].Text)
}

func TestMalformedWeightGetsValuePrompt(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))

	env.engine.HandleMessage(context.Background(), inbound(env, "вага багато"))

	require.Empty(t, env.store.readings)
	require.Equal(t, i18n.T("err_value"), env.tr.toPatient[0].Text)
}

func TestDecimalCommaWeight(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))

	env.engine.HandleMessage(context.Background(), inbound(env, "Вага 72,4"))

	require.Len(t, env.store.readings, 1)
	require.Equal(t, map[string]float64{"kilograms": 72.4}, env.store.readings[0].ValueMap())
}

func TestTextConfirmation(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))
	dose := env.key("dose-morning")
	env.seedReminded(dose, morningAt(9, 0), 1)

	env.engine.HandleMessage(context.Background(), inbound(env, "так, вже прийняв"))

	o := env.store.get(dose)
	require.NotNil(t, o.ConfirmedAt)
	require.Equal(t, obligation.ViaText, *o.ConfirmedVia)
}

func TestConfirmTapUsesButtonChannel(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))
	dose := env.key("dose-morning")
	env.seedReminded(dose, morningAt(9, 0), 1)

	env.engine.HandleConfirmTap(context.Background(), 42)

	require.Equal(t, obligation.ViaButton, *env.store.get(dose).ConfirmedVia)
}

func TestHelpAndUnknownReplies(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))

	env.engine.HandleMessage(context.Background(), inbound(env, "довідка"))
	require.Equal(t, i18n.T("help"), env.tr.toPatient[0].Text)

	env.engine.HandleMessage(context.Background(), inbound(env, "привіт, як справи?"))
	require.Equal(t, i18n.T("unknown"), env.tr.toPatient[1].Text)
}

func TestUnknownPatientIgnored(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))

	env.engine.HandleMessage(context.Background(), transport.Inbound{PatientID: 999, ChatID: 999, Text: "ок"})

	require.Equal(t, 0, env.tr.patientCount())
	require.Empty(t, env.store.readings)
}

func TestReadingNotAckedWhenPersistFails(t *testing.T) {
	env := newTestEnv(t, morningAt(9, 5))
	env.store.failing = true

	env.engine.HandleMessage(context.Background(), inbound(env, "Тиск 185/95/70"))

	require.Equal(t, 0, env.tr.patientCount())
	require.Empty(t, env.disp.vital)
}
