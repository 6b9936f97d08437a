package quoter

import (
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/volatility"
)

// history is a fixed-capacity ring of samples recorded at most once per
// minInterval. Sampling on a clock instead of on every tick bounds
// memory and smooths quote flicker out of the volatility estimate.
type history struct {
	samples     []float64
	capacity    int
	minInterval time.Duration
	lastAt      time.Time
}

func newHistory(capacity int, minInterval time.Duration) *history {
	return &history{
		samples:     make([]float64, 0, capacity),
		capacity:    capacity,
		minInterval: minInterval,
	}
}

// record appends v if it is nonzero and at least minInterval has passed
// since the previous sample. Reports whether the sample was taken.
func (h *history) record(now time.Time, v float64) bool {
	if v == 0 {
		return false
	}
	if !h.lastAt.IsZero() && now.Sub(h.lastAt) < h.minInterval {
		return false
	}

	h.samples = append(h.samples, v)
	if len(h.samples) > h.capacity {
		h.samples = h.samples[1:]
	}
	h.lastAt = now

	return true
}

func (h *history) len() int {
	return len(h.samples)
}

func (h *history) mean() float64 {
	if len(h.samples) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range h.samples {
		sum += v
	}
	return sum / float64(len(h.samples))
}

// stdev returns the standard deviation over the whole window, 0 with
// fewer than two samples.
func (h *history) stdev() float64 {
	n := len(h.samples)
	if n < 2 {
		return 0
	}

	std := volatility.NewMovingStdWithPeriod[float64](n)
	out := helper.ChanToSlice(std.Compute(helper.SliceToChan(h.samples)))
	if len(out) == 0 {
		return 0
	}

	return out[len(out)-1]
}
