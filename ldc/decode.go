package ldc

import (
	"math"

	"github.com/coilsense/ldcstream/bridge"
	"github.com/coilsense/ldcstream/internal/clocksync"
)

// Sample is one decoded measurement on the host timeline.
type Sample struct {
	Time      float64 // seconds, rounded to microseconds
	Frequency float64 // Hz, rounded to millihertz
}

// DecodeResult is the outcome of one batch decode pass.
type DecodeResult struct {
	Samples []Sample
	// LastSequence is the reconciled sequence index of the final block.
	LastSequence int64
	// LastChipClock is the chip index of the final decoded sample, or
	// -1 when no sample was decoded.
	LastChipClock int64
	// ErrorCount is the number of samples whose hardware error nibble
	// was set. Flagged samples are still decoded and emitted.
	ErrorCount uint64
}

// ExtractSamples decodes one batch of raw blocks in arrival order.
//
// Each block's 16-bit sequence is reconciled against lastSequence, the
// running index maintained by the clock updater. Sample i of a block
// sits at chip index seq*SamplesPerBlock+i; its timestamp comes from
// the supplied clock translation. Output ordering follows the strictly
// increasing chip index, so timestamps are non-decreasing. An empty
// input yields an empty result, not an error.
func ExtractSamples(blocks []bridge.Block, lastSequence int64, tr clocksync.Translation) DecodeResult {
	res := DecodeResult{
		Samples:       make([]Sample, 0, len(blocks)*SamplesPerBlock),
		LastSequence:  lastSequence,
		LastChipClock: -1,
	}

	freqConv := float64(Freq) / (1 << 28)
	seq := lastSequence
	for _, blk := range blocks {
		seq = clocksync.Reconcile(seq, blk.Sequence)
		msgChipDiff := seq*SamplesPerBlock - tr.ChipBase
		n := len(blk.Data) / BytesPerSample
		for i := 0; i < n; i++ {
			v := blk.Data[i*BytesPerSample : (i+1)*BytesPerSample]
			if v[0]&0xf0 != 0 {
				res.ErrorCount++
			}
			val := uint32(v[0]&0x0f)<<24 | uint32(v[1])<<16 |
				uint32(v[2])<<8 | uint32(v[3])

			ptime := tr.TimeBase + float64(msgChipDiff+int64(i))*tr.InvFreq
			res.Samples = append(res.Samples, Sample{
				Time:      round6(ptime),
				Frequency: round3(freqConv * float64(val)),
			})
			res.LastChipClock = seq*SamplesPerBlock + int64(i)
		}
	}
	res.LastSequence = seq
	return res
}

// Emitted values keep the historical rounding (microseconds, millihertz)
// as a compatibility contract with downstream consumers.

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func round3(v float64) float64 {
	return math.Round(v*1e3) / 1e3
}
