package matcher

import (
	"fmt"
	"regexp"
)

// Matcher recognizes confirmation phrases anywhere in a message. Patients
// embed short affirmations in chatter ("так, все ок"), so unlike measurement
// reports these are not start-anchored. All semantics live in the patterns.
type Matcher struct {
	compiled []*regexp.Regexp
}

func New(patterns []string) (*Matcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	m := &Matcher{compiled: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		rx, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("confirm pattern %q: %w", p, err)
		}
		m.compiled = append(m.compiled, rx)
	}
	return m, nil
}

func (m *Matcher) Matches(text string) bool {
	if text == "" {
		return false
	}
	for _, rx := range m.compiled {
		if rx.MatchString(text) {
			return true
		}
	}
	return false
}

// DefaultPatterns cover the affirmations patients actually send. RE2 word
// boundaries are ASCII-only, so Cyrillic phrases are fenced with explicit
// whitespace/punctuation alternatives instead of \b.
func DefaultPatterns() []string {
	return []string{
		`(?i)(?:^|[\s,])ок(?:ей)?(?:[\s.!,]|$)`,
		`(?i)(?:^|[\s,])так(?:[\s.!,]|$)`,
		`(?i)(?:^|[\s,])прийняв(?:ла)?(?:[\s.!,]|$)`,
		`(?i)(?:^|[\s,])ok(?:[\s.!,]|$)`,
		`(?i)(?:^|[\s,])done(?:[\s.!,]|$)`,
		`(?:^|\s)\+(?:\s|$)`,
	}
}
