package threshold

import "fmt"

// Rule flags a single measurement field when it leaves the safe band.
// Nil bounds are open-ended.
type Rule struct {
	Measure     string   `yaml:"measure" json:"measure"`
	Field       string   `yaml:"field" json:"field"`
	Min         *float64 `yaml:"min" json:"min,omitempty"`
	Max         *float64 `yaml:"max" json:"max,omitempty"`
	Description string   `yaml:"description" json:"description"`
}

type Monitor struct {
	rules []Rule
}

func NewMonitor(rules []Rule) *Monitor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Monitor{rules: rules}
}

// Evaluate checks parsed measurement values against the static rule table.
// It is a pure function of its inputs: obligation state never factors in,
// because a dangerous reading matters whether or not a reminder is pending.
func (m *Monitor) Evaluate(measure string, values map[string]float64) (bool, string) {
	for _, r := range m.rules {
		if r.Measure != measure {
			continue
		}
		v, ok := values[r.Field]
		if !ok {
			continue
		}
		if r.Max != nil && v >= *r.Max {
			return true, r.describe(v)
		}
		if r.Min != nil && v <= *r.Min {
			return true, r.describe(v)
		}
	}
	return false, ""
}

func (r Rule) describe(v float64) string {
	if r.Description != "" {
		return fmt.Sprintf("%s (%s=%g)", r.Description, r.Field, v)
	}
	return fmt.Sprintf("%s %s=%g out of range", r.Measure, r.Field, v)
}

func f(v float64) *float64 { return &v }

func DefaultRules() []Rule {
	return []Rule{
		{Measure: "pressure", Field: "systolic", Max: f(180), Description: "systolic pressure critically high"},
		{Measure: "pressure", Field: "diastolic", Max: f(110), Description: "diastolic pressure critically high"},
		{Measure: "temperature", Field: "celsius", Max: f(38.5), Description: "high fever"},
	}
}
