package clocksync

import (
	"errors"
	"math"
	"testing"
)

func TestTranslationBeforeObservations(t *testing.T) {
	r := NewRegression(250, 0.1, 2)
	if _, err := r.Translation(); !errors.Is(err, ErrNoObservations) {
		t.Fatalf("expected ErrNoObservations, got %v", err)
	}
}

func TestSingleObservationFallback(t *testing.T) {
	r := NewRegression(250, 0.1, 2)
	r.Record(1000, 50.0)

	tr, err := r.Translation()
	if err != nil {
		t.Fatalf("Translation returned error: %v", err)
	}
	if tr.ChipBase != 1000 || tr.TimeBase != 50.0 {
		t.Fatalf("unexpected anchor: %+v", tr)
	}
	if math.Abs(tr.InvFreq-0.004) > 1e-12 {
		t.Fatalf("expected nominal period 0.004, got %g", tr.InvFreq)
	}
}

func TestFitRecoversSlope(t *testing.T) {
	r := NewRegression(250, 0.1, 2)
	for i := int64(0); i < 10; i++ {
		r.Record(i*13, 100.0+float64(i*13)*0.004)
	}

	tr, err := r.Translation()
	if err != nil {
		t.Fatalf("Translation returned error: %v", err)
	}
	if tr.ChipBase != 117 {
		t.Fatalf("anchor chip base = %d, want 117", tr.ChipBase)
	}
	if math.Abs(tr.InvFreq-0.004) > 1e-9 {
		t.Fatalf("fitted period = %g, want 0.004", tr.InvFreq)
	}
	if got, want := tr.Time(130), 100.0+130*0.004; math.Abs(got-want) > 1e-9 {
		t.Fatalf("Time(130) = %g, want %g", got, want)
	}
}

func TestImplausibleSlopeRejected(t *testing.T) {
	// Capacity 2, nominal period 0.1, accepted slope range [0.05, 0.2].
	r := NewRegression(10, 0.1, 2)
	r.Record(0, 0.0)
	r.Record(100, 10.0) // slope 0.1, accepted

	before, err := r.Translation()
	if err != nil {
		t.Fatalf("Translation returned error: %v", err)
	}

	r.Record(200, 100.0) // window slope 0.9, rejected
	after, err := r.Translation()
	if err != nil {
		t.Fatalf("Translation returned error: %v", err)
	}
	if after != before {
		t.Fatalf("translation changed after rejected refit: %+v -> %+v", before, after)
	}
	if r.Rejected() != 1 {
		t.Fatalf("rejected count = %d, want 1", r.Rejected())
	}
}

func TestWindowSheds(t *testing.T) {
	r := NewRegression(10, 0.1, 2) // capacity 2
	r.Record(0, 0.0)
	r.Record(100, 10.0)
	r.Record(200, 20.0) // sheds (0, 0.0)
	if n := len(r.chip); n != 2 {
		t.Fatalf("window length = %d, want 2", n)
	}
	tr, _ := r.Translation()
	if tr.ChipBase != 200 {
		t.Fatalf("anchor chip base = %d, want 200", tr.ChipBase)
	}
}

func TestLastChipClockMonotonic(t *testing.T) {
	r := NewRegression(250, 0.1, 2)
	if got := r.LastChipClock(); got != -1 {
		t.Fatalf("initial LastChipClock = %d, want -1", got)
	}
	r.SetLastChipClock(100)
	r.SetLastChipClock(50)
	if got := r.LastChipClock(); got != 100 {
		t.Fatalf("LastChipClock = %d, want 100", got)
	}
	r.SetLastChipClock(150)
	if got := r.LastChipClock(); got != 150 {
		t.Fatalf("LastChipClock = %d, want 150", got)
	}
}

func TestResetClearsState(t *testing.T) {
	r := NewRegression(250, 0.1, 2)
	r.Record(0, 1.0)
	r.Record(13, 1.052)
	r.SetLastChipClock(13)
	r.Reset()

	if _, err := r.Translation(); !errors.Is(err, ErrNoObservations) {
		t.Fatalf("expected ErrNoObservations after reset, got %v", err)
	}
	if got := r.LastChipClock(); got != -1 {
		t.Fatalf("LastChipClock after reset = %d, want -1", got)
	}
	if r.Rejected() != 0 {
		t.Fatalf("rejected count not cleared")
	}
}
