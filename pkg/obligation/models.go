package obligation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type State string

const (
	StatePending   State = "pending"
	StateReminded  State = "reminded"
	StateRetrying  State = "retrying"
	StateConfirmed State = "confirmed"
	StateEscalated State = "escalated"
)

type ConfirmVia string

const (
	ViaButton ConfirmVia = "button"
	ViaText   ConfirmVia = "text"
)

// Key identifies one trackable obligation: one patient, one patient-local
// calendar day, one kind ("dose-morning", "check-pressure", ...). A new day
// yields a fresh key; records are never reused across days.
type Key struct {
	PatientID int64
	Day       string // YYYY-MM-DD
	Kind      string
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%s", k.PatientID, k.Day, k.Kind)
}

// Obligation is the durable audit record for a single dose or measurement
// check. Rows are upserted lazily and never deleted.
type Obligation struct {
	PatientID    int64       `gorm:"primaryKey;autoIncrement:false" json:"patient_id"`
	Day          string      `gorm:"primaryKey;size:10" json:"day"`
	Kind         string      `gorm:"primaryKey;size:64" json:"kind"`
	Label        string      `json:"label"`
	State        State       `gorm:"size:16;index" json:"state"`
	ScheduledAt  time.Time   `json:"scheduled_at"`
	ReminderAt   *time.Time  `gorm:"index" json:"reminder_at"`
	ConfirmedAt  *time.Time  `json:"confirmed_at"`
	ConfirmedVia *ConfirmVia `gorm:"size:8" json:"confirmed_via"`
	EscalatedAt  *time.Time  `json:"escalated_at"`
	AttemptCount int         `json:"attempt_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (Obligation) TableName() string { return "obligations" }

func (o *Obligation) Key() Key {
	return Key{PatientID: o.PatientID, Day: o.Day, Kind: o.Kind}
}

// Terminal reports whether the obligation has settled. Once terminal, timer
// fires and matcher hits must be no-ops (late confirmation excepted).
func (o *Obligation) Terminal() bool {
	return o.ConfirmedAt != nil || o.EscalatedAt != nil
}

// Reading is one reported measurement, append-only. Only escalated_at may be
// set after creation, and at most once.
type Reading struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	PatientID   int64             `gorm:"index" json:"patient_id"`
	RecordedAt  time.Time         `gorm:"index" json:"recorded_at"`
	Kind        string            `gorm:"size:32;index" json:"kind"`
	Values      datatypes.JSONMap `gorm:"type:jsonb" json:"values"`
	OutOfRange  bool              `gorm:"index" json:"out_of_range"`
	RuleHit     string            `json:"rule_hit,omitempty"`
	EscalatedAt *time.Time        `json:"escalated_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (Reading) TableName() string { return "readings" }

// ValueMap converts the JSONB payload back to numeric fields.
func (r *Reading) ValueMap() map[string]float64 {
	out := make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		}
	}
	return out
}
