package telemetry_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyReturnsChangedKeys(t *testing.T) {
	c := telemetry.NewCache()

	changed := c.Apply(map[string]telemetry.Value{
		"pd.soc":           telemetry.Number(80),
		"inv.cfgAcEnabled": telemetry.Bool(true),
	})
	assert.Equal(t, []string{"inv.cfgAcEnabled", "pd.soc"}, changed)

	changed = c.Apply(map[string]telemetry.Value{
		"pd.soc":           telemetry.Number(81),
		"inv.cfgAcEnabled": telemetry.Bool(true),
	})
	assert.Equal(t, []string{"pd.soc"}, changed)
}

func TestApplyIdenticalTwiceIsEmpty(t *testing.T) {
	c := telemetry.NewCache()
	partial := map[string]telemetry.Value{
		"pd.wattsInSum": telemetry.Number(120),
		"model":         telemetry.String("DELTA 2"),
	}

	require.NotEmpty(t, c.Apply(partial))
	assert.Empty(t, c.Apply(partial))
}

func TestApplyKindChangeCountsAsChange(t *testing.T) {
	c := telemetry.NewCache()
	c.Apply(map[string]telemetry.Value{"x": telemetry.Number(1)})

	changed := c.Apply(map[string]telemetry.Value{"x": telemetry.Bool(true)})
	assert.Equal(t, []string{"x"}, changed)
}

func TestApplyIgnoresInvalidValues(t *testing.T) {
	c := telemetry.NewCache()
	c.Apply(map[string]telemetry.Value{"a": telemetry.Number(3)})

	changed := c.Apply(map[string]telemetry.Value{"a": {}, "b": {}})
	assert.Empty(t, changed)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, telemetry.Number(3), v)

	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestMostRecentApplyWins(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := []string{"a", "b", "c", "d", "e"}

	c := telemetry.NewCache()
	want := make(map[string]telemetry.Value)

	for i := 0; i < 500; i++ {
		partial := make(map[string]telemetry.Value)
		for _, k := range keys {
			if rng.Intn(3) == 0 {
				partial[k] = telemetry.Number(float64(rng.Intn(5)))
			}
		}
		c.Apply(partial)
		for k, v := range partial {
			want[k] = v
		}

		for _, k := range keys {
			got, ok := c.Get(k)
			exp, seen := want[k]
			require.Equal(t, seen, ok, "key %s after apply %d", k, i)
			if seen {
				require.Equal(t, exp, got, "key %s after apply %d", k, i)
			}
		}
	}
}

func TestApplyAtRejectsStaleFields(t *testing.T) {
	c := telemetry.NewCache()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	c.ApplyAt(map[string]telemetry.Value{"pd.soc": telemetry.Number(50)}, base)

	changed := c.ApplyAt(map[string]telemetry.Value{
		"pd.soc":  telemetry.Number(40),
		"inv.fan": telemetry.Number(1),
	}, base.Add(-time.Minute))
	assert.Equal(t, []string{"inv.fan"}, changed)

	v, _ := c.Get("pd.soc")
	assert.Equal(t, telemetry.Number(50), v)

	changed = c.ApplyAt(map[string]telemetry.Value{"pd.soc": telemetry.Number(55)}, base.Add(time.Minute))
	assert.Equal(t, []string{"pd.soc"}, changed)

	f, ok := c.Field("pd.soc")
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), f.UpdatedAt)
}

func TestSnapshotIsIsolated(t *testing.T) {
	c := telemetry.NewCache()
	c.Apply(map[string]telemetry.Value{"a": telemetry.Number(1)})

	snap := c.Snapshot()
	c.Apply(map[string]telemetry.Value{"a": telemetry.Number(2), "b": telemetry.Number(3)})

	v, _ := snap.Get("a")
	assert.Equal(t, telemetry.Number(1), v)
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, 2, c.Len())
}

func TestReset(t *testing.T) {
	c := telemetry.NewCache()
	c.Apply(map[string]telemetry.Value{"a": telemetry.Number(1)})
	c.Reset()

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, []string{"a"}, c.Apply(map[string]telemetry.Value{"a": telemetry.Number(1)}))
}

func TestConcurrentApplyKeepsBothFields(t *testing.T) {
	for round := 0; round < 50; round++ {
		c := telemetry.NewCache()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Apply(map[string]telemetry.Value{"a": telemetry.Number(1)})
		}()
		go func() {
			defer wg.Done()
			c.Apply(map[string]telemetry.Value{"b": telemetry.Number(2)})
		}()
		wg.Wait()

		snap := c.Snapshot()
		assert.Equal(t, map[string]telemetry.Value{
			"a": telemetry.Number(1),
			"b": telemetry.Number(2),
		}, snap.Values())
	}
}

func TestConcurrentReadersSeeWholeApplies(t *testing.T) {
	c := telemetry.NewCache()
	const writes = 200

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < writes; i++ {
			n := telemetry.Number(float64(i))
			c.Apply(map[string]telemetry.Value{"x": n, "y": n})
		}
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}

		snap := c.Snapshot()
		x, okX := snap.Get("x")
		y, okY := snap.Get("y")
		require.Equal(t, okX, okY)
		require.Equal(t, x, y, fmt.Sprintf("torn snapshot x=%s y=%s", x, y))
	}
}
