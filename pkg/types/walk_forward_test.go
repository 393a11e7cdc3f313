package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWalkForwardSlices(t *testing.T) {
	w := WalkForward{Window: 100, Step: 50, Bars: 300}
	w.ApplyDefaults()
	require.NoError(t, w.Validate())
	assert.Equal(t, DefaultTrainRatio, w.TrainRatio)
	assert.Equal(t, MetricPnL, w.Metric)

	slices := w.Slices()
	require.Len(t, slices, 4)
	assert.Equal(t, WindowSlice{Index: 1, Start: 0, TrainEnd: 70, End: 100}, slices[0])
	assert.Equal(t, WindowSlice{Index: 4, Start: 150, TrainEnd: 220, End: 250}, slices[3])

	fixed := WalkForward{Window: 10, Step: 5, Windows: 3, TrainRatio: 0.5}
	require.NoError(t, fixed.Validate())
	assert.Equal(t, 3, fixed.Count())
	assert.Equal(t, 15, fixed.Slices()[2].TrainEnd)
}

func TestWalkForwardValidate(t *testing.T) {
	tests := []WalkForward{
		{Window: 1, Step: 1, Windows: 1, TrainRatio: 0.7},
		{Window: 10, Step: 0, Windows: 1, TrainRatio: 0.7},
		{Window: 10, Step: 1, Windows: 1, TrainRatio: 1},
		{Window: 2, Step: 1, Windows: 1, TrainRatio: 0.3},
		{Window: 10, Step: 1, TrainRatio: 0.7},
		{Window: 10, Step: 1, Windows: -1, Bars: 50, TrainRatio: 0.7},
		{Window: 10, Step: 1, Bars: 10, TrainRatio: 0.7},
	}
	for i, w := range tests {
		err := w.Validate()
		assert.ErrorIs(t, err, ErrInvalidConfig, "case %d", i)
	}
}

func TestParseDataRef(t *testing.T) {
	base, from, to, sliced, err := ParseDataRef("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", base)
	assert.False(t, sliced)

	base, from, to, sliced, err = ParseDataRef(SliceDataRef("BTCUSDT", 30, 60))
	require.NoError(t, err)
	assert.True(t, sliced)
	assert.Equal(t, "BTCUSDT", base)
	assert.Equal(t, 30, from)
	assert.Equal(t, 60, to)

	for _, bad := range []string{"x[1]", "x[a:2]", "x[1:b]", "x[5:5]", "x[-1:3]"} {
		_, _, _, _, err := ParseDataRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestSliceDataRefRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ref := rapid.StringMatching(`[A-Z]{3,8}`).Draw(t, "ref")
		from := rapid.IntRange(0, 1<<20).Draw(t, "from")
		n := rapid.IntRange(1, 1<<10).Draw(t, "n")

		base, gotFrom, gotTo, sliced, err := ParseDataRef(SliceDataRef(ref, from, from+n))
		if err != nil || !sliced || base != ref || gotFrom != from || gotTo != from+n {
			t.Fatalf("round trip of %s[%d:%d] gave %s %d %d %v %v", ref, from, from+n, base, gotFrom, gotTo, sliced, err)
		}
	})
}

func TestOverfittingScore(t *testing.T) {
	assert.Zero(t, OverfittingScore(0, 5))
	assert.Zero(t, OverfittingScore(10, 12))
	assert.InDelta(t, 0.25, OverfittingScore(8, 6), 1e-12)
	assert.Equal(t, 1.0, OverfittingScore(10, -4))
	assert.Equal(t, 1.0, OverfittingScore(-3, 2))
}
