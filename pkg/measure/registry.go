package measure

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrArity means the right keyword with the wrong number of values.
	ErrArity = errors.New("wrong number of values")
	// ErrFormat means values that are not parseable numbers.
	ErrFormat = errors.New("malformed value")
)

// Def declares one reportable measurement: how a message is dispatched to it
// and how its numeric body is parsed.
type Def struct {
	ID           string   `yaml:"id"`
	Label        string   `yaml:"label"`
	Keywords     []string `yaml:"keywords"`
	Parser       string   `yaml:"parser"` // "int3" | "float1"
	Fields       []string `yaml:"fields"`
	DecimalComma bool     `yaml:"decimal_comma"`
}

type Registry struct {
	defs     map[string]Def
	order    []string
	compiled map[string]*regexp.Regexp
}

// NewRegistry compiles start-anchored dispatch patterns for each definition.
// A keyword only matches at the beginning of the message, optionally followed
// by ':' or '-', so conversational numbers never get misparsed as reports.
func NewRegistry(defs []Def) (*Registry, error) {
	if len(defs) == 0 {
		defs = Defaults()
	}
	r := &Registry{
		defs:     make(map[string]Def, len(defs)),
		compiled: make(map[string]*regexp.Regexp, len(defs)),
	}
	for _, d := range defs {
		if d.ID == "" || len(d.Keywords) == 0 {
			return nil, fmt.Errorf("measure %q: id and keywords are required", d.ID)
		}
		switch d.Parser {
		case "int3", "float1":
		default:
			return nil, fmt.Errorf("measure %q: unknown parser %q", d.ID, d.Parser)
		}
		// Longest keyword first so "pressure" wins over a hypothetical "press".
		kws := append([]string(nil), d.Keywords...)
		sort.Slice(kws, func(i, j int) bool { return len(kws[i]) > len(kws[j]) })
		for i, kw := range kws {
			kws[i] = regexp.QuoteMeta(kw)
		}
		// RE2 \b is ASCII-only, useless next to Cyrillic keywords; require an
		// explicit separator (or end of message) after the keyword instead.
		rx, err := regexp.Compile(`(?i)^\s*(?:` + strings.Join(kws, "|") + `)(?:[:\-]|\s|$)\s*(.*)$`)
		if err != nil {
			return nil, fmt.Errorf("measure %q: %w", d.ID, err)
		}
		r.defs[d.ID] = d
		r.order = append(r.order, d.ID)
		r.compiled[d.ID] = rx
	}
	return r, nil
}

// Match dispatches a message to a measurement definition. Returns the
// definition id and the remaining body text.
func (r *Registry) Match(text string) (string, string, bool) {
	for _, id := range r.order {
		if m := r.compiled[id].FindStringSubmatch(text); m != nil {
			return id, strings.TrimSpace(m[1]), true
		}
	}
	return "", "", false
}

func (r *Registry) Label(id string) string { return r.defs[id].Label }

// ParserKind exposes the parser family, which decides the correction prompt
// sent back on a malformed report.
func (r *Registry) ParserKind(id string) string { return r.defs[id].Parser }

func (r *Registry) Fields(id string) []string { return r.defs[id].Fields }

// Parse validates and parses the body for the given measurement. Errors wrap
// ErrArity or ErrFormat so callers can pick the right correction prompt.
func (r *Registry) Parse(id, body string) (map[string]float64, error) {
	d, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("unknown measure %q", id)
	}
	switch d.Parser {
	case "int3":
		return parseInt3(d, body)
	case "float1":
		return parseFloat1(d, body)
	}
	return nil, fmt.Errorf("unknown parser %q", d.Parser)
}

func parseInt3(d Def, body string) (map[string]float64, error) {
	s := strings.TrimSpace(body)
	if s == "" {
		return nil, fmt.Errorf("%s: %w", d.ID, ErrArity)
	}
	for _, sep := range []string{",", "/"} {
		s = strings.ReplaceAll(s, sep, " ")
	}
	parts := strings.Fields(s)
	if len(parts) != len(d.Fields) {
		return nil, fmt.Errorf("%s: %w", d.ID, ErrArity)
	}
	out := make(map[string]float64, len(parts))
	for i, p := range parts {
		p = strings.TrimPrefix(p, "+")
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s: %w", d.ID, ErrFormat)
		}
		out[d.Fields[i]] = float64(n)
	}
	return out, nil
}

func parseFloat1(d Def, body string) (map[string]float64, error) {
	toks := strings.Fields(body)
	if len(toks) != 1 {
		return nil, fmt.Errorf("%s: %w", d.ID, ErrArity)
	}
	tok := toks[0]
	if d.DecimalComma {
		tok = strings.Replace(tok, ",", ".", 1)
	}
	tok = strings.TrimPrefix(tok, "+")
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%s: %w", d.ID, ErrFormat)
	}
	return map[string]float64{d.Fields[0]: v}, nil
}

func Defaults() []Def {
	return []Def{
		{
			ID:       "pressure",
			Label:    "Тиск",
			Keywords: []string{"тиск", "давление", "bp", "pressure"},
			Parser:   "int3",
			Fields:   []string{"systolic", "diastolic", "pulse"},
		},
		{
			ID:           "weight",
			Label:        "Вага",
			Keywords:     []string{"вага", "вес", "взвешивание", "weight"},
			Parser:       "float1",
			Fields:       []string{"kilograms"},
			DecimalComma: true,
		},
		{
			ID:           "temperature",
			Label:        "Температура",
			Keywords:     []string{"температура", "temperature"},
			Parser:       "float1",
			Fields:       []string{"celsius"},
			DecimalComma: true,
		},
	}
}
