package obligation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("obligation not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Obligation{}, &Reading{})
}

// Ensure materializes the obligation row if it does not exist yet (lazy
// upsert: the first timer fire or an early confirmation may both create it).
func (r *Repository) Ensure(ctx context.Context, key Key, label string, scheduledAt time.Time) (Obligation, error) {
	o := Obligation{
		PatientID: key.PatientID,
		Day:       key.Day,
		Kind:      key.Kind,
	}
	err := r.db.WithContext(ctx).
		Where(&Obligation{PatientID: key.PatientID, Day: key.Day, Kind: key.Kind}).
		Attrs(Obligation{Label: label, State: StatePending, ScheduledAt: scheduledAt.UTC()}).
		FirstOrCreate(&o).Error
	if err != nil {
		return Obligation{}, err
	}
	return o, nil
}

func (r *Repository) Get(ctx context.Context, key Key) (Obligation, error) {
	var o Obligation
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND day = ? AND kind = ?", key.PatientID, key.Day, key.Kind).
		First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Obligation{}, ErrNotFound
	}
	if err != nil {
		return Obligation{}, err
	}
	return o, nil
}

func (r *Repository) whereKey(ctx context.Context, key Key) *gorm.DB {
	return r.db.WithContext(ctx).Model(&Obligation{}).
		Where("patient_id = ? AND day = ? AND kind = ?", key.PatientID, key.Day, key.Kind)
}

// MarkReminded records a reminder or retry send. Guarded against terminal
// rows and against attempt_count ever going backwards; reminder_at keeps its
// first value. Returns false when the guard rejected the write.
func (r *Repository) MarkReminded(ctx context.Context, key Key, at time.Time, attempts int, state State) (bool, error) {
	res := r.whereKey(ctx, key).
		Where("confirmed_at IS NULL AND escalated_at IS NULL").
		Where("attempt_count < ?", attempts).
		Updates(map[string]interface{}{
			"reminder_at":   gorm.Expr("COALESCE(reminder_at, ?)", at.UTC()),
			"attempt_count": attempts,
			"state":         state,
			"updated_at":    time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// Confirm is the terminal compare-and-swap for a normal confirmation.
func (r *Repository) Confirm(ctx context.Context, key Key, at time.Time, via ConfirmVia) (bool, error) {
	res := r.whereKey(ctx, key).
		Where("confirmed_at IS NULL AND escalated_at IS NULL").
		Updates(map[string]interface{}{
			"confirmed_at":  at.UTC(),
			"confirmed_via": via,
			"state":         StateConfirmed,
			"updated_at":    time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// Escalate is the terminal compare-and-swap for a missed obligation. Called
// by the dispatcher only after the caregiver alert was delivered. attempts is
// written with the stamp so an escalated row always reads the full budget,
// even when lost timers kept the counter short.
func (r *Repository) Escalate(ctx context.Context, key Key, at time.Time, attempts int) (bool, error) {
	res := r.whereKey(ctx, key).
		Where("confirmed_at IS NULL AND escalated_at IS NULL").
		Updates(map[string]interface{}{
			"escalated_at":  at.UTC(),
			"attempt_count": attempts,
			"state":         StateEscalated,
			"updated_at":    time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// LateConfirm records a confirmation that arrived after escalation. This is
// the one sanctioned write after a terminal state: escalated_at stays set.
func (r *Repository) LateConfirm(ctx context.Context, key Key, at time.Time, via ConfirmVia) (bool, error) {
	res := r.whereKey(ctx, key).
		Where("escalated_at IS NOT NULL AND confirmed_at IS NULL").
		Updates(map[string]interface{}{
			"confirmed_at":  at.UTC(),
			"confirmed_via": via,
			"updated_at":    time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// ScanOverdue returns reminded, unsettled obligations whose first reminder
// went out at or before the cutoff. The sweeper derives the cutoff from the
// full retry window.
func (r *Repository) ScanOverdue(ctx context.Context, cutoff time.Time) ([]Obligation, error) {
	var out []Obligation
	err := r.db.WithContext(ctx).
		Where("reminder_at IS NOT NULL AND confirmed_at IS NULL AND escalated_at IS NULL").
		Where("reminder_at <= ?", cutoff.UTC()).
		Order("reminder_at ASC").
		Find(&out).Error
	return out, err
}

// ScanOpen returns every reminded, unsettled obligation. Used on startup to
// rebuild the armed-timer set from durable state.
func (r *Repository) ScanOpen(ctx context.Context) ([]Obligation, error) {
	var out []Obligation
	err := r.db.WithContext(ctx).
		Where("reminder_at IS NOT NULL AND confirmed_at IS NULL AND escalated_at IS NULL").
		Find(&out).Error
	return out, err
}

// OpenReminded lists unconfirmed reminded obligations of the given kinds for
// one patient across the given days, most recent reminder first. Candidates
// for confirmation target resolution. Escalated rows stay in the result: a
// reply that arrives after escalation must still reach the late-confirmation
// path.
func (r *Repository) OpenReminded(ctx context.Context, patientID int64, days []string, kinds []string) ([]Obligation, error) {
	var out []Obligation
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND day IN ? AND kind IN ?", patientID, days, kinds).
		Where("reminder_at IS NOT NULL AND confirmed_at IS NULL").
		Order("reminder_at DESC").
		Find(&out).Error
	return out, err
}

func (r *Repository) ListByDay(ctx context.Context, day string) ([]Obligation, error) {
	var out []Obligation
	err := r.db.WithContext(ctx).
		Where("day = ?", day).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "scheduled_at"}}).
		Find(&out).Error
	return out, err
}

func (r *Repository) CreateReading(ctx context.Context, reading *Reading) error {
	if reading.ID == uuid.Nil {
		reading.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(reading).Error
}

// ScanUnescalatedReadings returns out-of-range readings whose alert never
// got stamped, so the sweeper can re-dispatch after a transient failure.
func (r *Repository) ScanUnescalatedReadings(ctx context.Context) ([]Reading, error) {
	var out []Reading
	err := r.db.WithContext(ctx).
		Where("out_of_range = ? AND escalated_at IS NULL", true).
		Order("recorded_at ASC").
		Find(&out).Error
	return out, err
}

// EscalateReading stamps a reading's alert, at most once.
func (r *Repository) EscalateReading(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Reading{}).
		Where("id = ? AND escalated_at IS NULL", id).
		Update("escalated_at", at.UTC())
	return res.RowsAffected > 0, res.Error
}

// HasReadingToday reports whether the patient already reported the given
// measurement on the given local day (bounds are UTC instants of that day).
func (r *Repository) HasReadingToday(ctx context.Context, patientID int64, kind string, from, to time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Reading{}).
		Where("patient_id = ? AND kind = ?", patientID, kind).
		Where("recorded_at >= ? AND recorded_at < ?", from.UTC(), to.UTC()).
		Count(&count).Error
	return count > 0, err
}

func (r *Repository) RecentReadings(ctx context.Context, limit int) ([]Reading, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []Reading
	err := r.db.WithContext(ctx).
		Order("recorded_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
