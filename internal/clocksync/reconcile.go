// Package clocksync reconstructs a monotonic chip sample index from the
// bridge's wrapping 16-bit sequence counter and maintains the linear
// model that maps chip indices onto the host timeline.
package clocksync

// Reconcile resolves a 16-bit wrapping sequence number against the
// running 64-bit index. The signed 16-bit difference tolerates the
// counter wrapping in either direction, provided no more than 32767
// sequence numbers elapse between observations. The polling cadence
// must guarantee that precondition.
func Reconcile(lastIndex int64, seq16 uint16) int64 {
	diff := (int64(seq16) - lastIndex) & 0xffff
	diff -= (diff & 0x8000) << 1
	return lastIndex + diff
}
