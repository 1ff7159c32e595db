package schedule

import "time"

// Clock abstracts wall time so state-machine logic stays testable. All
// patient-facing scheduling happens in the clock's location.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

type SystemClock struct {
	loc *time.Location
}

func NewSystemClock(tzName string) (*SystemClock, error) {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, err
	}
	return &SystemClock{loc: loc}, nil
}

func (c *SystemClock) Now() time.Time           { return time.Now().In(c.loc) }
func (c *SystemClock) Location() *time.Location { return c.loc }

// Day formats an instant as the patient-local calendar day used in
// obligation keys.
func Day(c Clock, t time.Time) string {
	return t.In(c.Location()).Format("2006-01-02")
}

// DayBounds returns the half-open interval of the patient-local day that
// contains t.
func DayBounds(c Clock, t time.Time) (time.Time, time.Time) {
	local := t.In(c.Location())
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location())
	return start, start.AddDate(0, 0, 1)
}
