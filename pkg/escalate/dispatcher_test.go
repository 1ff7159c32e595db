package escalate

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/carelink-health/carelink/pkg/common/logger"
	"github.com/carelink-health/carelink/pkg/measure"
	"github.com/carelink-health/carelink/pkg/obligation"
	"github.com/carelink-health/carelink/pkg/roster"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestMain(m *testing.M) {
	logger.Init("escalate-test")
	os.Exit(m.Run())
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time           { return c.t }
func (c fixedClock) Location() *time.Location { return c.t.Location() }

type recTransport struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (t *recTransport) SendToPatient(context.Context, int64, string, bool) error { return nil }

func (t *recTransport) SendToCaregiver(_ context.Context, _ int64, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("send failed")
	}
	t.sent = append(t.sent, text)
	return nil
}

type stampStore struct {
	mu         sync.Mutex
	keys       map[obligation.Key]int
	readings   map[uuid.UUID]bool
	failStamps bool
}

func newStampStore() *stampStore {
	return &stampStore{keys: map[obligation.Key]int{}, readings: map[uuid.UUID]bool{}}
}

func (s *stampStore) Escalate(_ context.Context, key obligation.Key, _ time.Time, attempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStamps {
		return false, errors.New("stamp failed")
	}
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = attempts
	return true, nil
}

func (s *stampStore) stamped(key obligation.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

func (s *stampStore) EscalateReading(_ context.Context, id uuid.UUID, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readings[id] {
		return false, nil
	}
	s.readings[id] = true
	return true, nil
}

// memDeduper tracks acquire/release, granting each key once per lease.
type memDeduper struct {
	mu   sync.Mutex
	held map[string]bool
	fail bool
}

func (d *memDeduper) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return false, errors.New("redis down")
	}
	if d.held == nil {
		d.held = map[string]bool{}
	}
	if d.held[key] {
		return false, nil
	}
	d.held[key] = true
	return true, nil
}

func (d *memDeduper) Release(_ context.Context, key string) {
	d.mu.Lock()
	delete(d.held, key)
	d.mu.Unlock()
}

const dispatcherRoster = `
patients:
  - patient_id: 42
    label: Іван
    chat_id: 42
    caregiver_chat_id: 900
    doses:
      - kind: dose-morning
        time: "09:00"
        label: Вітамін Д
`

type dispFixture struct {
	d     *Dispatcher
	tr    *recTransport
	store *stampStore
	dd    *memDeduper
	clock fixedClock
}

func newDispFixture(t *testing.T) *dispFixture {
	t.Helper()
	r, err := roster.Parse([]byte(dispatcherRoster))
	require.NoError(t, err)
	m, err := measure.NewRegistry(nil)
	require.NoError(t, err)

	f := &dispFixture{
		tr:    &recTransport{},
		store: newStampStore(),
		dd:    &memDeduper{},
		clock: fixedClock{t: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)},
	}
	f.d = NewDispatcher(f.tr, f.store, f.dd, r, m, f.clock)
	return f
}

func missedObligation() obligation.Obligation {
	return obligation.Obligation{
		PatientID:    42,
		Day:          "2026-03-02",
		Kind:         "dose-morning",
		Label:        "Вітамін Д",
		State:        obligation.StateRetrying,
		ScheduledAt:  time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC),
		AttemptCount: 3,
	}
}

func TestEscalateObligationSendsAndStamps(t *testing.T) {
	f := newDispFixture(t)
	o := missedObligation()

	require.NoError(t, f.d.EscalateObligation(context.Background(), o, ReasonMissed))

	require.Len(t, f.tr.sent, 1)
	require.Contains(t, f.tr.sent[0], "Іван")
	require.Contains(t, f.tr.sent[0], "Вітамін Д")
	require.Equal(t, 3, f.store.keys[o.Key()])
}

func TestEscalateObligationAlreadyStampedSkips(t *testing.T) {
	f := newDispFixture(t)
	o := missedObligation()
	at := f.clock.Now()
	o.EscalatedAt = &at

	require.NoError(t, f.d.EscalateObligation(context.Background(), o, ReasonMissed))
	require.Empty(t, f.tr.sent)
}

func TestEscalateObligationSendFailureLeavesUnstamped(t *testing.T) {
	f := newDispFixture(t)
	f.tr.fail = true
	o := missedObligation()

	err := f.d.EscalateObligation(context.Background(), o, ReasonMissed)
	require.Error(t, err)
	require.False(t, f.store.stamped(o.Key()))

	// The lease was released, so the next attempt goes through.
	f.tr.fail = false
	require.NoError(t, f.d.EscalateObligation(context.Background(), o, ReasonMissed))
	require.Len(t, f.tr.sent, 1)
	require.True(t, f.store.stamped(o.Key()))
}

func TestEscalateObligationStampRetriedUnderHeldLease(t *testing.T) {
	f := newDispFixture(t)
	f.store.failStamps = true
	o := missedObligation()

	// Alert delivered, stamp write fails: the error surfaces, the lease stays.
	err := f.d.EscalateObligation(context.Background(), o, ReasonMissed)
	require.Error(t, err)
	require.Len(t, f.tr.sent, 1)
	require.False(t, f.store.stamped(o.Key()))

	// The store recovers; the retry must stamp without a second alert.
	f.store.failStamps = false
	require.NoError(t, f.d.EscalateObligation(context.Background(), o, ReasonMissed))
	require.Len(t, f.tr.sent, 1)
	require.Equal(t, 3, f.store.keys[o.Key()])
}

func TestEscalateObligationDedupeSuppressesDuplicate(t *testing.T) {
	f := newDispFixture(t)
	o := missedObligation()

	require.NoError(t, f.d.EscalateObligation(context.Background(), o, ReasonMissed))
	// Same unstamped record again, as a racing sweep would pass it.
	require.NoError(t, f.d.EscalateObligation(context.Background(), o, ReasonMissed))

	require.Len(t, f.tr.sent, 1)
}

func TestEscalateObligationDedupeFailureIsAdvisory(t *testing.T) {
	f := newDispFixture(t)
	f.dd.fail = true
	o := missedObligation()

	require.NoError(t, f.d.EscalateObligation(context.Background(), o, ReasonMissed))
	require.Len(t, f.tr.sent, 1)
	require.True(t, f.store.stamped(o.Key()))
}

func TestEscalateObligationUnknownPatient(t *testing.T) {
	f := newDispFixture(t)
	o := missedObligation()
	o.PatientID = 7

	err := f.d.EscalateObligation(context.Background(), o, ReasonMissed)
	require.ErrorIs(t, err, roster.ErrUnknownPatient)
	require.Empty(t, f.tr.sent)
}

func TestEscalateReading(t *testing.T) {
	f := newDispFixture(t)
	r := obligation.Reading{
		ID:         uuid.New(),
		PatientID:  42,
		RecordedAt: f.clock.Now(),
		Kind:       "pressure",
		Values:     datatypes.JSONMap{"systolic": float64(185), "diastolic": float64(95), "pulse": float64(70)},
		OutOfRange: true,
		RuleHit:    "systolic pressure critically high (systolic=185)",
	}

	require.NoError(t, f.d.EscalateReading(context.Background(), r, ReasonVitalThreshold))

	require.Len(t, f.tr.sent, 1)
	require.Contains(t, f.tr.sent[0], "Тиск 185/95/70")
	require.Contains(t, f.tr.sent[0], "systolic")
	require.True(t, f.store.readings[r.ID])

	// Stamped record short-circuits.
	r.EscalatedAt = &r.RecordedAt
	require.NoError(t, f.d.EscalateReading(context.Background(), r, ReasonVitalThreshold))
	require.Len(t, f.tr.sent, 1)
}

func TestNotifyLateConfirmation(t *testing.T) {
	f := newDispFixture(t)
	o := missedObligation()

	require.NoError(t, f.d.NotifyLateConfirmation(context.Background(), o))
	require.Len(t, f.tr.sent, 1)
	require.Contains(t, f.tr.sent[0], "ПІСЛЯ ескалації")
}
