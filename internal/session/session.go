// Package session runs the measurement lifecycle of one LDC1612 chip:
// identity validation, register programming, streaming batch decode,
// and fan-out of decoded batches to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/coilsense/ldcstream/bridge"
	"github.com/coilsense/ldcstream/internal/clocksync"
	"github.com/coilsense/ldcstream/ldc"
)

// State of the session machine.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateConfiguring
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrNotStreaming is returned by ProcessBatch and Stop when the session
// is not in the streaming state.
var ErrNotStreaming = errors.New("session: not streaming")

// Streamer controls bulk sampling on the bridge. Implemented by
// *bridge.Conn.
type Streamer interface {
	StartStreaming(ctx context.Context, restTicks uint32) error
	StopStreaming(ctx context.Context) error
}

// BlockSource yields buffered raw blocks. Implemented by *bridge.Conn.
type BlockSource interface {
	PullBlocks(ctx context.Context) ([]bridge.Block, error)
	Flush(ctx context.Context) error
}

// Batch is one published decode result. Errors and Overflows are
// cumulative for the session, reset on each start.
type Batch struct {
	Samples   []ldc.Sample
	Errors    uint64
	Overflows uint64
}

// Subscriber receives batches; returning false unregisters it.
type Subscriber func(Batch) bool

// Config holds the measurement parameters of a session.
type Config struct {
	DataRate     int     // target sample rate, Hz
	DriveCurrent int     // DRIVE_CURRENT0 field, 0-31
	SettleTime   float64 // seconds
	ChipFreq     float64 // nominal reference frequency, Hz
	Deglitch     uint16  // MUX_CONFIG deglitch filter bits
	BatchPeriod  float64 // seconds between batch ticks
	Smoothing    float64 // clock regression window factor
	TickFreq     float64 // bridge clock ticks per second
}

// Session drives one chip through Idle -> Validating -> Configuring ->
// Streaming -> Stopping -> Idle. All mutable measurement state is owned
// by the session instance; batch processing is not reentrant.
type Session struct {
	dev     *ldc.Device
	stream  Streamer
	blocks  BlockSource
	cfg     Config
	sync    *clocksync.Regression
	updater *clocksync.Updater

	state      State
	errorCount uint64

	subMu sync.Mutex
	subs  []Subscriber

	Logger *log.Logger
}

// New assembles a session from the transport pieces. conn-style values
// such as *bridge.Conn satisfy all three interfaces.
func New(bus ldc.RegisterBus, stream Streamer, blocks BlockSource,
	querier clocksync.StatusQuerier, cfg Config) *Session {

	reg := clocksync.NewRegression(float64(cfg.DataRate), cfg.BatchPeriod, cfg.Smoothing)
	return &Session{
		dev:     ldc.NewDevice(bus),
		stream:  stream,
		blocks:  blocks,
		cfg:     cfg,
		sync:    reg,
		updater: clocksync.NewUpdater(querier, reg, ldc.SamplesPerBlock, ldc.BytesPerSample),
	}
}

// Device exposes the chip register helpers, used by the calibrator.
func (s *Session) Device() *ldc.Device {
	return s.dev
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

func (s *Session) logf(format string, args ...any) {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

// Start validates the chip, programs the measurement registers, and
// begins streaming. An identity mismatch aborts with *ldc.IdentityError
// before any register is written.
func (s *Session) Start(ctx context.Context) error {
	if s.state != StateIdle {
		return fmt.Errorf("session: start from %s state", s.state)
	}

	s.state = StateValidating
	if err := s.dev.CheckIdentity(ctx); err != nil {
		s.state = StateIdle
		return err
	}

	s.state = StateConfiguring
	if err := s.configure(ctx); err != nil {
		s.state = StateIdle
		return fmt.Errorf("session: configure: %w", err)
	}

	// Discard anything buffered before the stream begins.
	if err := s.blocks.Flush(ctx); err != nil {
		s.state = StateIdle
		return fmt.Errorf("session: flush: %w", err)
	}
	restTicks := uint32(s.cfg.TickFreq*0.5/float64(s.cfg.DataRate) + 0.5)
	if err := s.stream.StartStreaming(ctx, restTicks); err != nil {
		s.state = StateIdle
		return fmt.Errorf("session: start streaming: %w", err)
	}

	s.updater.NoteStart()
	s.errorCount = 0
	s.state = StateStreaming
	s.logf("[session] ldc1612 measurements started (%d Hz)", s.cfg.DataRate)
	return nil
}

// configure writes the register set for the target sample rate. The
// derived counts must fit their 16-bit registers; an out-of-range
// conversion would otherwise program a garbage value without error.
func (s *Session) configure(ctx context.Context) error {
	chipFreq := s.cfg.ChipFreq
	rcount := chipFreq/(16*float64(s.cfg.DataRate-4)) + 0.5
	if rcount > math.MaxUint16 {
		return fmt.Errorf("data rate %d Hz needs RCOUNT0 %.0f, beyond the 16-bit register",
			s.cfg.DataRate, rcount)
	}
	settle := s.cfg.SettleTime*chipFreq/16 + 0.5
	if settle > math.MaxUint16 {
		return fmt.Errorf("settle time %gs needs SETTLECOUNT0 %.0f, beyond the 16-bit register",
			s.cfg.SettleTime, settle)
	}

	writes := []struct {
		reg uint8
		val uint16
	}{
		{ldc.RegRCount0, uint16(rcount)},
		{ldc.RegOffset0, 0},
		{ldc.RegSettleCount0, uint16(settle)},
		{ldc.RegClockDividers0, (1 << 12) | 1},
		{ldc.RegErrorConfig, (0x1f << 11) | 1},
		{ldc.RegMuxConfig, 0x0208 | s.cfg.Deglitch},
		{ldc.RegConfig, ldc.ConfigActiveChan0 | ldc.ConfigIntbDisable |
			ldc.ConfigRefClkExt | ldc.ConfigAutoAmp},
		{ldc.RegDriveCurrent0, uint16(s.cfg.DriveCurrent) << 11},
	}
	for _, w := range writes {
		if err := s.dev.SetReg(ctx, w.reg, w.val); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBatch performs one batch tick: refresh the clock model, pull
// buffered blocks, decode, and publish. An empty pull publishes nothing
// and returns an empty batch with a nil error.
func (s *Session) ProcessBatch(ctx context.Context) (Batch, error) {
	if s.state != StateStreaming {
		return Batch{}, ErrNotStreaming
	}

	if err := s.updater.UpdateClock(ctx); err != nil {
		return Batch{}, fmt.Errorf("session: %w", err)
	}
	blocks, err := s.blocks.PullBlocks(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("session: pull blocks: %w", err)
	}
	if len(blocks) == 0 {
		return Batch{}, nil
	}

	tr, err := s.sync.Translation()
	if err != nil {
		return Batch{}, fmt.Errorf("session: %w", err)
	}
	res := ldc.ExtractSamples(blocks, s.updater.LastSequence(), tr)
	s.errorCount += res.ErrorCount
	if res.LastChipClock >= 0 {
		s.sync.SetLastChipClock(res.LastChipClock)
	}
	if len(res.Samples) == 0 {
		return Batch{}, nil
	}

	batch := Batch{
		Samples:   res.Samples,
		Errors:    s.errorCount,
		Overflows: s.updater.LastOverflows(),
	}
	s.publish(batch)
	return batch, nil
}

// Stop halts streaming. The stop command is acknowledged by the bridge
// before the session returns to idle.
func (s *Session) Stop(ctx context.Context) error {
	if s.state != StateStreaming {
		return ErrNotStreaming
	}
	s.state = StateStopping
	if err := s.stream.StopStreaming(ctx); err != nil {
		// The stream state on the bridge is unknown; stay out of
		// streaming so the caller can retry.
		s.state = StateIdle
		return fmt.Errorf("session: stop streaming: %w", err)
	}
	if err := s.blocks.Flush(ctx); err != nil {
		s.state = StateIdle
		return fmt.Errorf("session: flush: %w", err)
	}
	s.state = StateIdle
	s.logf("[session] ldc1612 measurements finished")
	return nil
}

// Subscribe registers a batch consumer. The consumer's return value is
// its continuation contract: false removes it.
func (s *Session) Subscribe(fn Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, fn)
}

// publish fans a batch out synchronously, dropping subscribers that
// return false.
func (s *Session) publish(b Batch) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	kept := s.subs[:0]
	for _, fn := range s.subs {
		if fn(b) {
			kept = append(kept, fn)
		}
	}
	for i := len(kept); i < len(s.subs); i++ {
		s.subs[i] = nil
	}
	s.subs = kept
}
