package quoter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHistory_RespectsSampleInterval(t *testing.T) {
	h := newHistory(10, time.Minute)
	now := time.Unix(1700000000, 0)

	require.True(t, h.record(now, 100))
	require.False(t, h.record(now.Add(30*time.Second), 101), "sample within interval must be dropped")
	require.True(t, h.record(now.Add(time.Minute), 102))
	require.Equal(t, 2, h.len())
}

func TestHistory_SkipsZeroValues(t *testing.T) {
	h := newHistory(10, time.Minute)

	require.False(t, h.record(time.Unix(1700000000, 0), 0))
	require.Zero(t, h.len())
}

func TestHistory_BoundedCapacity(t *testing.T) {
	h := newHistory(3, time.Minute)
	now := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		require.True(t, h.record(now.Add(time.Duration(i)*time.Minute), float64(100+i)))
	}

	require.Equal(t, 3, h.len())
	// Oldest samples were evicted.
	require.Equal(t, []float64{107, 108, 109}, h.samples)
}

func TestHistory_StdevNeedsTwoSamples(t *testing.T) {
	h := newHistory(10, time.Minute)
	require.Zero(t, h.stdev())

	h.record(time.Unix(1700000000, 0), 100)
	require.Zero(t, h.stdev())
}

func TestHistory_StdevOfFlatSeriesIsZero(t *testing.T) {
	h := newHistory(10, time.Minute)
	now := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		h.record(now.Add(time.Duration(i)*time.Minute), 100)
	}

	require.InDelta(t, 0, h.stdev(), 1e-12)
}

func TestHistory_Mean(t *testing.T) {
	h := newHistory(10, time.Minute)
	require.Zero(t, h.mean(), "empty history has no mean")

	now := time.Unix(1700000000, 0)
	h.record(now, 90)
	h.record(now.Add(time.Minute), 110)
	require.InDelta(t, 100, h.mean(), 1e-12)
}

func TestHistory_StdevOfSpreadSeries(t *testing.T) {
	h := newHistory(10, time.Minute)
	now := time.Unix(1700000000, 0)
	h.record(now, 90)
	h.record(now.Add(time.Minute), 110)

	// stdev of {90, 110} is 10 around the mean of 100.
	require.InDelta(t, 10, h.stdev(), 5)
}
