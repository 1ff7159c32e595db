package schedule

import (
	"os"
	"testing"
	"time"

	"github.com/carelink-health/carelink/pkg/common/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init("schedule-test")
	os.Exit(m.Run())
}

func utcClock(t *testing.T) *SystemClock {
	t.Helper()
	c, err := NewSystemClock("UTC")
	require.NoError(t, err)
	return c
}

func TestDay(t *testing.T) {
	east := time.FixedZone("EET", 2*3600)
	c := &SystemClock{loc: east}

	// 23:30 UTC is already the next day two hours east.
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	require.Equal(t, "2026-03-02", Day(c, at))

	start, end := DayBounds(c, at)
	require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, east).Unix(), start.Unix())
	require.Equal(t, 24*time.Hour, end.Sub(start))
}

func TestScheduleAtFires(t *testing.T) {
	s := NewScheduler(utcClock(t))
	defer s.Stop()

	fired := make(chan struct{})
	s.ScheduleAt("job", time.Now().Add(10*time.Millisecond), func() { close(fired) })
	require.True(t, s.Armed("job"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("job did not fire")
	}
	require.Eventually(t, func() bool { return !s.Armed("job") }, time.Second, 5*time.Millisecond)
}

func TestScheduleAtPastFiresImmediately(t *testing.T) {
	s := NewScheduler(utcClock(t))
	defer s.Stop()

	fired := make(chan struct{})
	s.ScheduleAt("job", time.Now().Add(-time.Hour), func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("past-due job did not fire")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s := NewScheduler(utcClock(t))
	defer s.Stop()

	fired := make(chan struct{}, 1)
	s.ScheduleAt("job", time.Now().Add(20*time.Millisecond), func() { fired <- struct{}{} })
	s.Cancel("job")
	require.False(t, s.Armed("job"))

	select {
	case <-fired:
		t.Fatal("cancelled job fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReplaceById(t *testing.T) {
	s := NewScheduler(utcClock(t))
	defer s.Stop()

	got := make(chan string, 2)
	s.ScheduleAt("job", time.Now().Add(20*time.Millisecond), func() { got <- "first" })
	s.ScheduleAt("job", time.Now().Add(30*time.Millisecond), func() { got <- "second" })

	select {
	case v := <-got:
		require.Equal(t, "second", v)
	case <-time.After(time.Second):
		t.Fatal("replacement job did not fire")
	}
	select {
	case <-got:
		t.Fatal("replaced job fired too")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopRejectsNewJobs(t *testing.T) {
	s := NewScheduler(utcClock(t))
	s.Stop()

	fired := make(chan struct{}, 1)
	s.ScheduleAt("job", time.Now(), func() { fired <- struct{}{} })
	require.False(t, s.Armed("job"))

	select {
	case <-fired:
		t.Fatal("stopped scheduler ran a job")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNextDaily(t *testing.T) {
	s := NewScheduler(utcClock(t))
	defer s.Stop()

	now := time.Now().UTC()
	at := s.nextDaily(now.Hour(), now.Minute())
	require.True(t, at.After(now))
	require.True(t, at.Sub(now) <= 24*time.Hour)
}
