package roster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/carelink-health/carelink/pkg/threshold"
	"gopkg.in/yaml.v3"
)

var ErrUnknownPatient = errors.New("unknown patient")

// Entry is one scheduled obligation template: a dose or a measurement check.
// Measure is empty for doses and names the measurement kind otherwise.
type Entry struct {
	Kind    string `yaml:"kind"`
	Time    string `yaml:"time"` // HH:MM, patient-local
	Label   string `yaml:"label"`
	Measure string `yaml:"measure,omitempty"`
}

func (e Entry) IsDose() bool { return e.Measure == "" }

type Patient struct {
	PatientID       int64   `yaml:"patient_id"`
	Label           string  `yaml:"label"`
	ChatID          int64   `yaml:"chat_id"`
	CaregiverChatID int64   `yaml:"caregiver_chat_id"`
	Doses           []Entry `yaml:"doses"`
	Checks          []Entry `yaml:"checks"`
}

// Entries returns doses followed by checks, the order obligations are
// scheduled in.
func (p Patient) Entries() []Entry {
	out := make([]Entry, 0, len(p.Doses)+len(p.Checks))
	out = append(out, p.Doses...)
	out = append(out, p.Checks...)
	return out
}

type Roster struct {
	Patients   []Patient        `yaml:"patients"`
	Thresholds []threshold.Rule `yaml:"thresholds"`

	byPatient map[int64]*Patient
	byChat    map[int64]*Patient
}

func Load(path string) (*Roster, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return Parse(content)
}

func Parse(content []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(content, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(r.Patients) == 0 {
		return nil, errors.New("roster has no patients")
	}
	if err := r.index(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Roster) index() error {
	r.byPatient = make(map[int64]*Patient, len(r.Patients))
	r.byChat = make(map[int64]*Patient, len(r.Patients))
	for i := range r.Patients {
		p := &r.Patients[i]
		if p.PatientID == 0 || p.ChatID == 0 {
			return fmt.Errorf("patient %q: patient_id and chat_id are required", p.Label)
		}
		if p.CaregiverChatID == 0 {
			return fmt.Errorf("patient %q: caregiver_chat_id is required", p.Label)
		}
		seen := map[string]bool{}
		for _, e := range p.Entries() {
			if e.Kind == "" {
				return fmt.Errorf("patient %q: entry without kind", p.Label)
			}
			if seen[e.Kind] {
				return fmt.Errorf("patient %q: duplicate entry kind %q", p.Label, e.Kind)
			}
			seen[e.Kind] = true
			if _, _, err := ParseHHMM(e.Time); err != nil {
				return fmt.Errorf("patient %q entry %q: %w", p.Label, e.Kind, err)
			}
		}
		for _, c := range p.Checks {
			if c.Measure == "" {
				return fmt.Errorf("patient %q check %q: measure is required", p.Label, c.Kind)
			}
		}
		r.byPatient[p.PatientID] = p
		r.byChat[p.ChatID] = p
	}
	return nil
}

func (r *Roster) Patient(id int64) (*Patient, bool) {
	p, ok := r.byPatient[id]
	return p, ok
}

func (r *Roster) PatientByChat(chatID int64) (*Patient, bool) {
	p, ok := r.byChat[chatID]
	return p, ok
}

// Entry finds the scheduled entry with the given obligation kind.
func (p Patient) Entry(kind string) (Entry, bool) {
	for _, e := range p.Entries() {
		if e.Kind == kind {
			return e, true
		}
	}
	return Entry{}, false
}

// DoseKinds lists the dose obligation kinds for one patient, the candidate
// set for confirmation matching.
func (p Patient) DoseKinds() []string {
	kinds := make([]string, 0, len(p.Doses))
	for _, d := range p.Doses {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

// ParseHHMM parses a patient-local "HH:MM" schedule time.
func ParseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, minute, nil
}
