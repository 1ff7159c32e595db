package measure

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	return r
}

func TestMatchDispatchesByKeyword(t *testing.T) {
	r := mustRegistry(t)

	tests := []struct {
		text string
		id   string
		body string
	}{
		{"Тиск 140/90/70", "pressure", "140/90/70"},
		{"тиск: 140 90 70", "pressure", "140 90 70"},
		{"давление 120,80,60", "pressure", "120,80,60"},
		{"BP 130/85/72", "pressure", "130/85/72"},
		{"Вага 72,4", "weight", "72,4"},
		{"вес 80", "weight", "80"},
		{"температура 36,6", "temperature", "36,6"},
	}
	for _, tt := range tests {
		id, body, ok := r.Match(tt.text)
		require.True(t, ok, "expected %q to match", tt.text)
		require.Equal(t, tt.id, id)
		require.Equal(t, tt.body, body)
	}
}

func TestMatchIsStartAnchored(t *testing.T) {
	r := mustRegistry(t)

	// Keywords mid-sentence and bare numbers must not dispatch.
	for _, text := range []string{
		"сьогодні міряв тиск",
		"140/90/70",
		"ок",
		"тиском задоволений",
	} {
		_, _, ok := r.Match(text)
		require.False(t, ok, "expected %q not to match", text)
	}
}

func TestParsePressure(t *testing.T) {
	r := mustRegistry(t)

	for _, body := range []string{"140/90/70", "140 90 70", "140,90,70", "140, 90, 70"} {
		values, err := r.Parse("pressure", body)
		require.NoError(t, err, body)
		require.Equal(t, map[string]float64{"systolic": 140, "diastolic": 90, "pulse": 70}, values)
	}
}

func TestParsePressureErrors(t *testing.T) {
	r := mustRegistry(t)

	for _, body := range []string{"", "140/90", "140/90/70/50"} {
		_, err := r.Parse("pressure", body)
		require.ErrorIs(t, err, ErrArity, body)
	}
	for _, body := range []string{"140/abc/70", "14.5/90/70", "-1/90/70"} {
		_, err := r.Parse("pressure", body)
		require.ErrorIs(t, err, ErrFormat, body)
	}
}

func TestParseWeightDecimalComma(t *testing.T) {
	r := mustRegistry(t)

	values, err := r.Parse("weight", "72,4")
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"kilograms": 72.4}, values)

	values, err = r.Parse("weight", "80")
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"kilograms": 80.0}, values)
}

func TestParseWeightErrors(t *testing.T) {
	r := mustRegistry(t)

	for _, body := range []string{"", "72 4", "багато", "-5"} {
		_, err := r.Parse("weight", body)
		require.Error(t, err, body)
	}
}

func TestRegistryValidation(t *testing.T) {
	_, err := NewRegistry([]Def{{ID: "pulse", Keywords: []string{"пульс"}, Parser: "int9"}})
	require.Error(t, err)

	_, err = NewRegistry([]Def{{ID: "", Keywords: []string{"x"}, Parser: "float1"}})
	require.Error(t, err)
}
