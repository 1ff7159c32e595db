package obligation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestKeyString(t *testing.T) {
	k := Key{PatientID: 42, Day: "2026-03-02", Kind: "dose-morning"}
	require.Equal(t, "42:2026-03-02:dose-morning", k.String())
}

func TestTerminal(t *testing.T) {
	now := time.Now()
	o := Obligation{State: StateReminded}
	require.False(t, o.Terminal())

	o.ConfirmedAt = &now
	require.True(t, o.Terminal())

	o = Obligation{EscalatedAt: &now}
	require.True(t, o.Terminal())
}

func TestValueMap(t *testing.T) {
	r := Reading{Values: datatypes.JSONMap{
		"systolic":  float64(140),
		"diastolic": 90,
		"pulse":     int64(70),
		"note":      "ignored",
	}}
	require.Equal(t, map[string]float64{"systolic": 140, "diastolic": 90, "pulse": 70}, r.ValueMap())
}
