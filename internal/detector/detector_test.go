package detector_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watts(key string, w float64) telemetry.Snapshot {
	return telemetry.SnapshotOf(map[string]telemetry.Value{key: telemetry.Number(w)})
}

func testConfig() detector.Config {
	return detector.Config{
		PowerFields:    []string{"input_watts"},
		Mode:           detector.ModeFirst,
		ThresholdWatts: 10,
	}
}

func TestEvaluateThresholdIsInclusive(t *testing.T) {
	for _, threshold := range []float64{0, 0.5, 10, 250, 1800} {
		cfg := testConfig()
		cfg.ThresholdWatts = threshold

		state, w, ok := detector.Evaluate(watts("input_watts", threshold), cfg)
		require.True(t, ok)
		assert.Equal(t, detector.Charging, state, "threshold %v", threshold)
		assert.InDelta(t, threshold, w, 0)
	}

	state, _, _ := detector.Evaluate(watts("input_watts", 9.99), testConfig())
	assert.Equal(t, detector.NotCharging, state)
}

func TestEvaluateWithoutPowerFieldIsUnknown(t *testing.T) {
	snap := telemetry.SnapshotOf(map[string]telemetry.Value{
		"pd.soc":      telemetry.Number(80),
		"input_watts": telemetry.String("n/a"),
	})
	state, _, ok := detector.Evaluate(snap, testConfig())
	assert.False(t, ok)
	assert.Equal(t, detector.Unknown, state)
}

func TestEvaluateModes(t *testing.T) {
	snap := telemetry.SnapshotOf(map[string]telemetry.Value{
		"ac_in":    telemetry.Number(6),
		"solar_in": telemetry.Number(5),
	})

	cfg := detector.Config{PowerFields: []string{"missing", "ac_in", "solar_in"}, Mode: detector.ModeSum, ThresholdWatts: 10}
	state, w, ok := detector.Evaluate(snap, cfg)
	require.True(t, ok)
	assert.InDelta(t, 11.0, w, 0)
	assert.Equal(t, detector.Charging, state)

	cfg.Mode = detector.ModeFirst
	state, w, ok = detector.Evaluate(snap, cfg)
	require.True(t, ok)
	assert.InDelta(t, 6.0, w, 0)
	assert.Equal(t, detector.NotCharging, state)
}

func TestEvaluateBooleanPowerField(t *testing.T) {
	snap := telemetry.SnapshotOf(map[string]telemetry.Value{"grid_present": telemetry.Bool(true)})
	cfg := detector.Config{PowerFields: []string{"grid_present"}, ThresholdWatts: 1}

	state, _, ok := detector.Evaluate(snap, cfg)
	require.True(t, ok)
	assert.Equal(t, detector.Charging, state)
}

func TestFirstObservationNeverFires(t *testing.T) {
	for _, w := range []float64{0, 9, 10, 50, 2000} {
		d, err := detector.New(testConfig())
		require.NoError(t, err)

		_, tr := d.Observe(watts("input_watts", w), time.Now())
		assert.Nil(t, tr, "first observation at %vW", w)
	}
}

func TestPowerRestoredAfterBaseline(t *testing.T) {
	d, err := detector.New(testConfig())
	require.NoError(t, err)

	state, tr := d.Observe(watts("input_watts", 0), time.Now())
	assert.Equal(t, detector.NotCharging, state)
	assert.Nil(t, tr)

	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	state, tr = d.Observe(watts("input_watts", 50), at)
	assert.Equal(t, detector.Charging, state)
	require.NotNil(t, tr)
	assert.Equal(t, detector.NotCharging, tr.From)
	assert.Equal(t, detector.Charging, tr.To)
	assert.Equal(t, at, tr.At)
	assert.InDelta(t, 50.0, tr.InputWatts, 0)
	assert.True(t, tr.PowerRestored())
	assert.Equal(t, map[string]telemetry.Value{"input_watts": telemetry.Number(50)}, tr.Excerpt)
}

func TestPowerLostFromBoundaryBaseline(t *testing.T) {
	d, err := detector.New(testConfig())
	require.NoError(t, err)

	state, tr := d.Observe(watts("input_watts", 10), time.Now())
	assert.Equal(t, detector.Charging, state)
	assert.Nil(t, tr)

	state, tr = d.Observe(watts("input_watts", 9), time.Now())
	assert.Equal(t, detector.NotCharging, state)
	require.NotNil(t, tr)
	assert.Equal(t, detector.Charging, tr.From)
	assert.False(t, tr.PowerRestored())
}

func TestSameStateDoesNotFire(t *testing.T) {
	d, err := detector.New(testConfig())
	require.NoError(t, err)

	d.Observe(watts("input_watts", 100), time.Now())
	for _, w := range []float64{200, 10, 100, 100} {
		_, tr := d.Observe(watts("input_watts", w), time.Now())
		assert.Nil(t, tr)
	}
}

func TestUnknownNeverReentered(t *testing.T) {
	d, err := detector.New(testConfig())
	require.NoError(t, err)

	state, tr := d.Observe(telemetry.Snapshot{}, time.Now())
	assert.Equal(t, detector.Unknown, state)
	assert.Nil(t, tr)

	d.Observe(watts("input_watts", 0), time.Now())
	state, tr = d.Observe(telemetry.Snapshot{}, time.Now())
	assert.Equal(t, detector.NotCharging, state)
	assert.Nil(t, tr)
	assert.Equal(t, detector.NotCharging, d.State())
}

func TestExcerptIncludesSummaryFields(t *testing.T) {
	cfg := testConfig()
	cfg.ExcerptFields = []string{"pd.soc", "absent"}
	d, err := detector.New(cfg)
	require.NoError(t, err)

	d.Observe(watts("input_watts", 300), time.Now())
	_, tr := d.Observe(telemetry.SnapshotOf(map[string]telemetry.Value{
		"input_watts": telemetry.Number(0),
		"pd.soc":      telemetry.Number(64),
		"other":       telemetry.Number(1),
	}), time.Now())

	require.NotNil(t, tr)
	assert.Equal(t, map[string]telemetry.Value{
		"input_watts": telemetry.Number(0),
		"pd.soc":      telemetry.Number(64),
	}, tr.Excerpt)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  detector.Config
		code errors.ErrorCode
	}{
		{"no fields", detector.Config{ThresholdWatts: 10}, detector.ErrNoPowerFields},
		{"negative threshold", detector.Config{PowerFields: []string{"a"}, ThresholdWatts: -1}, detector.ErrInvalidThreshold},
		{"bad mode", detector.Config{PowerFields: []string{"a"}, Mode: "avg"}, detector.ErrInvalidMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := detector.New(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code))
		})
	}

	require.NoError(t, detector.DefaultConfig().Validate())
}
