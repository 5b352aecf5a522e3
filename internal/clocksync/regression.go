package clocksync

import (
	"errors"

	"gonum.org/v1/gonum/stat"
)

// ErrNoObservations is returned by Translation before the first clock
// observation of a session has been recorded.
var ErrNoObservations = errors.New("clocksync: no clock observations yet")

// Translation is a snapshot of the fitted clock model. For a chip index
// c the predicted host time is TimeBase + (c-ChipBase)*InvFreq.
type Translation struct {
	TimeBase float64 // host time at ChipBase, seconds
	ChipBase int64   // recent anchor chip index
	InvFreq  float64 // fitted seconds per chip index
}

// Time predicts the host time of chip index c.
func (t Translation) Time(c int64) float64 {
	return t.TimeBase + float64(c-t.ChipBase)*t.InvFreq
}

// Regression fits host time against chip sample index over a rolling
// window of observations.
//
// A refit whose slope falls outside [nominal/2, nominal*2] indicates a
// desynchronized clock source; it is rejected and the previous
// translation kept, so timestamps continue from the last good model.
type Regression struct {
	nominal  float64 // expected seconds per sample index
	capacity int

	chip []int64
	host []float64

	anchor   Translation
	haveObs  bool
	rejected uint64

	lastChipClock int64
	haveChipClock bool
}

// NewRegression sizes the window from the chip sample rate, the batch
// period, and a smoothing factor (window = rate*period*smoothing
// observations, at least 2).
func NewRegression(sampleRate, batchPeriod, smoothing float64) *Regression {
	capacity := int(sampleRate*batchPeriod*smoothing + 0.5)
	if capacity < 2 {
		capacity = 2
	}
	return &Regression{
		nominal:  1.0 / sampleRate,
		capacity: capacity,
	}
}

// Record adds one (chip index, host time) observation and refits.
func (r *Regression) Record(chipIndex int64, hostTime float64) {
	if len(r.chip) >= r.capacity {
		n := copy(r.chip, r.chip[1:])
		r.chip = r.chip[:n]
		n = copy(r.host, r.host[1:])
		r.host = r.host[:n]
	}
	r.chip = append(r.chip, chipIndex)
	r.host = append(r.host, hostTime)

	if len(r.chip) < 2 {
		// Identity fallback: anchor at the first observation with the
		// nominal sample period.
		r.anchor = Translation{TimeBase: hostTime, ChipBase: chipIndex, InvFreq: r.nominal}
		r.haveObs = true
		return
	}
	r.refit()
}

// refit runs least squares over the window. Chip indices are shifted to
// the window start so the fit stays well conditioned for large indices.
func (r *Regression) refit() {
	n := len(r.chip)
	base := r.chip[0]
	xs := make([]float64, n)
	for i, c := range r.chip {
		xs[i] = float64(c - base)
	}

	alpha, beta := stat.LinearRegression(xs, r.host, nil, false)
	if beta < r.nominal/2 || beta > r.nominal*2 {
		r.rejected++
		return
	}

	last := n - 1
	r.anchor = Translation{
		TimeBase: alpha + beta*xs[last],
		ChipBase: r.chip[last],
		InvFreq:  beta,
	}
}

// Translation returns the current fitted model. Safe to call at any
// time; before any observation it reports ErrNoObservations.
func (r *Regression) Translation() (Translation, error) {
	if !r.haveObs {
		return Translation{}, ErrNoObservations
	}
	return r.anchor, nil
}

// Rejected reports how many refits were discarded for an implausible
// slope since the last reset.
func (r *Regression) Rejected() uint64 {
	return r.rejected
}

// SetLastChipClock records the highest chip index consumed by decoding.
// The value never moves backwards.
func (r *Regression) SetLastChipClock(idx int64) {
	if r.haveChipClock && idx < r.lastChipClock {
		return
	}
	r.lastChipClock = idx
	r.haveChipClock = true
}

// LastChipClock returns the highest chip index consumed, or -1 if none.
func (r *Regression) LastChipClock() int64 {
	if !r.haveChipClock {
		return -1
	}
	return r.lastChipClock
}

// Reset clears the window and anchor. Required between sessions so
// stale chip indices cannot leak into a new session's timestamps.
func (r *Regression) Reset() {
	r.chip = r.chip[:0]
	r.host = r.host[:0]
	r.anchor = Translation{}
	r.haveObs = false
	r.rejected = 0
	r.lastChipClock = 0
	r.haveChipClock = false
}
