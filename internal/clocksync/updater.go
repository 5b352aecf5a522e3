package clocksync

import (
	"context"
	"fmt"

	"github.com/coilsense/ldcstream/bridge"
)

// StatusQuerier issues one status round to the bridge. Implemented by
// *bridge.Conn.
type StatusQuerier interface {
	QueryStatus(ctx context.Context) (bridge.Status, error)
}

// Updater owns the periodic status query that feeds fresh observations
// into the regression, and tallies hardware-reported overflows.
type Updater struct {
	querier         StatusQuerier
	reg             *Regression
	samplesPerBlock int
	bytesPerSample  int

	lastSequence    int64
	lastRawOverflow uint16
	overflows       uint64
}

// NewUpdater wires a status querier to a regression. samplesPerBlock is
// the bulk-message sample capacity, bytesPerSample the chip sample width.
func NewUpdater(q StatusQuerier, reg *Regression, samplesPerBlock, bytesPerSample int) *Updater {
	return &Updater{
		querier:         q,
		reg:             reg,
		samplesPerBlock: samplesPerBlock,
		bytesPerSample:  bytesPerSample,
	}
}

// NoteStart resets all accumulators for a new measurement session. The
// bridge resets its own sequence and overflow counters when streaming
// starts, so both sides begin from zero.
func (u *Updater) NoteStart() {
	u.lastSequence = 0
	u.lastRawOverflow = 0
	u.overflows = 0
	u.reg.Reset()
}

// UpdateClock performs one status round. The reconciled sequence and the
// bridge's buffered byte count locate the chip index of the freshest
// sample; the host time is the midpoint of the query round trip. A
// transport failure propagates to the caller and leaves previously
// fitted state untouched.
func (u *Updater) UpdateClock(ctx context.Context) error {
	st, err := u.querier.QueryStatus(ctx)
	if err != nil {
		return fmt.Errorf("clock status query: %w", err)
	}

	u.lastSequence = Reconcile(u.lastSequence, st.Sequence)
	u.overflows += uint64(st.Overflows - u.lastRawOverflow)
	u.lastRawOverflow = st.Overflows

	chipIndex := u.lastSequence*int64(u.samplesPerBlock) -
		int64(st.Buffered)/int64(u.bytesPerSample)
	hostTime := st.SentAt + (st.ReceivedAt-st.SentAt)/2
	u.reg.Record(chipIndex, hostTime)
	return nil
}

// LastSequence returns the reconciled block sequence index, the base for
// reconciling sequence numbers seen during sample decoding.
func (u *Updater) LastSequence() int64 {
	return u.lastSequence
}

// LastOverflows returns the cumulative overflow count since NoteStart.
func (u *Updater) LastOverflows() uint64 {
	return u.overflows
}
