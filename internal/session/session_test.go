package session

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/coilsense/ldcstream/bridge"
	"github.com/coilsense/ldcstream/ldc"
)

type regWrite struct {
	reg  uint8
	val  uint16
	tick uint64
}

type fakeBus struct {
	regs    map[uint8]uint16
	writes  []regWrite
	readErr error
}

func (f *fakeBus) ReadRegister(ctx context.Context, reg uint8) (uint16, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.regs[reg], nil
}

func (f *fakeBus) WriteRegister(ctx context.Context, reg uint8, value uint16, minTick uint64) error {
	f.writes = append(f.writes, regWrite{reg, value, minTick})
	if f.regs == nil {
		f.regs = map[uint8]uint16{}
	}
	f.regs[reg] = value
	return nil
}

type fakeStream struct {
	starts   []uint32
	stops    int
	startErr error
	stopErr  error
}

func (f *fakeStream) StartStreaming(ctx context.Context, restTicks uint32) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, restTicks)
	return nil
}

func (f *fakeStream) StopStreaming(ctx context.Context) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops++
	return nil
}

type fakeBlocks struct {
	queue   [][]bridge.Block
	flushes int
}

func (f *fakeBlocks) PullBlocks(ctx context.Context) ([]bridge.Block, error) {
	if len(f.queue) == 0 {
		return nil, nil
	}
	head := f.queue[0]
	f.queue = f.queue[1:]
	return head, nil
}

func (f *fakeBlocks) Flush(ctx context.Context) error {
	f.flushes++
	return nil
}

type fakeQuerier struct {
	statuses []bridge.Status
	i        int
	err      error
}

func (f *fakeQuerier) QueryStatus(ctx context.Context) (bridge.Status, error) {
	if f.err != nil {
		return bridge.Status{}, f.err
	}
	st := f.statuses[f.i]
	if f.i < len(f.statuses)-1 {
		f.i++
	}
	return st, nil
}

func goodIDRegs() map[uint8]uint16 {
	return map[uint8]uint16{
		ldc.RegManufacturerID: ldc.ManufacturerID,
		ldc.RegDeviceID:       ldc.DeviceID,
	}
}

func testConfig() Config {
	return Config{
		DataRate:     250,
		DriveCurrent: 15,
		SettleTime:   0.005,
		ChipFreq:     12000000,
		Deglitch:     0x05,
		BatchPeriod:  0.100,
		Smoothing:    2.0,
		TickFreq:     1000000,
	}
}

// sampleBytes encodes one raw sample (error nibble plus 28-bit value).
func sampleBytes(errNibble byte, val uint32) []byte {
	return []byte{
		errNibble<<4 | byte(val>>24)&0x0f,
		byte(val >> 16),
		byte(val >> 8),
		byte(val),
	}
}

func block(seq uint16, samples ...[]byte) bridge.Block {
	var data []byte
	for _, s := range samples {
		data = append(data, s...)
	}
	return bridge.Block{Sequence: seq, Data: data}
}

func TestStartRejectsWrongIdentity(t *testing.T) {
	bus := &fakeBus{regs: map[uint8]uint16{
		ldc.RegManufacturerID: 0xdead,
		ldc.RegDeviceID:       0xbeef,
	}}
	stream := &fakeStream{}
	s := New(bus, stream, &fakeBlocks{}, &fakeQuerier{}, testConfig())

	err := s.Start(context.Background())
	var idErr *ldc.IdentityError
	if !errors.As(err, &idErr) {
		t.Fatalf("expected *ldc.IdentityError, got %v", err)
	}
	if idErr.GotManufacturer != 0xdead || idErr.GotDevice != 0xbeef {
		t.Fatalf("observed ids not reported: %+v", idErr)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle", s.State())
	}
	if len(stream.starts) != 0 {
		t.Fatal("streaming started despite identity mismatch")
	}
	if len(bus.writes) != 0 {
		t.Fatal("registers written despite identity mismatch")
	}
}

func TestStartProgramsRegisters(t *testing.T) {
	bus := &fakeBus{regs: goodIDRegs()}
	stream := &fakeStream{}
	blocks := &fakeBlocks{}
	s := New(bus, stream, blocks, &fakeQuerier{}, testConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	want := []regWrite{
		{ldc.RegRCount0, 3049, 0}, // 12e6 / (16*246), rounded
		{ldc.RegOffset0, 0, 0},
		{ldc.RegSettleCount0, 3750, 0}, // 0.005 * 12e6 / 16
		{ldc.RegClockDividers0, 0x1001, 0},
		{ldc.RegErrorConfig, 0xf801, 0},
		{ldc.RegMuxConfig, 0x020d, 0},
		{ldc.RegConfig, 0x1601, 0},
		{ldc.RegDriveCurrent0, 15 << 11, 0},
	}
	if len(bus.writes) != len(want) {
		t.Fatalf("wrote %d registers, want %d", len(bus.writes), len(want))
	}
	for i, w := range want {
		if bus.writes[i] != w {
			t.Fatalf("write %d = %+v, want %+v", i, bus.writes[i], w)
		}
	}
	if len(stream.starts) != 1 || stream.starts[0] != 2000 {
		t.Fatalf("stream starts = %v, want [2000]", stream.starts)
	}
	if blocks.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", blocks.flushes)
	}
	if s.State() != StateStreaming {
		t.Fatalf("state = %s, want streaming", s.State())
	}
}

func TestStartRejectsUnprogrammableRates(t *testing.T) {
	cases := []struct {
		name   string
		adjust func(*Config)
	}{
		// 10 Hz at 12 MHz needs RCOUNT0 = 125000, past the 16-bit limit;
		// the old float conversion would silently program 59464.
		{"data rate too low", func(c *Config) { c.DataRate = 10 }},
		// 0.1 s at 12 MHz needs SETTLECOUNT0 = 75000.
		{"settle time too long", func(c *Config) { c.SettleTime = 0.1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := &fakeBus{regs: goodIDRegs()}
			stream := &fakeStream{}
			cfg := testConfig()
			tc.adjust(&cfg)
			s := New(bus, stream, &fakeBlocks{}, &fakeQuerier{}, cfg)

			if err := s.Start(context.Background()); err == nil {
				t.Fatal("expected configure error")
			}
			if len(bus.writes) != 0 {
				t.Fatalf("registers written despite overflow: %+v", bus.writes)
			}
			if len(stream.starts) != 0 {
				t.Fatal("streaming started despite overflow")
			}
			if s.State() != StateIdle {
				t.Fatalf("state = %s, want idle", s.State())
			}
		})
	}
}

func TestProcessBatchDecodesAndPublishes(t *testing.T) {
	bus := &fakeBus{regs: goodIDRegs()}
	blocks := &fakeBlocks{queue: [][]bridge.Block{
		{block(1, sampleBytes(0, 1<<27), sampleBytes(0, 1<<27))},
	}}
	q := &fakeQuerier{statuses: []bridge.Status{
		{Sequence: 1, Buffered: 0, SentAt: 20, ReceivedAt: 20},
	}}
	s := New(bus, &fakeStream{}, blocks, q, testConfig())

	var published []Batch
	s.Subscribe(func(b Batch) bool {
		published = append(published, b)
		return true
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	batch, err := s.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}

	if len(batch.Samples) != 2 {
		t.Fatalf("decoded %d samples, want 2", len(batch.Samples))
	}
	// Status put chip index 13 at host time 20; the block's samples sit
	// at indices 13 and 14 with the nominal 4 ms period.
	if got := batch.Samples[0].Time; math.Abs(got-20.0) > 1e-9 {
		t.Fatalf("first sample time = %v, want 20.0", got)
	}
	if got := batch.Samples[1].Time; math.Abs(got-20.004) > 1e-9 {
		t.Fatalf("second sample time = %v, want 20.004", got)
	}
	if got := batch.Samples[0].Frequency; got != 6000000.0 {
		t.Fatalf("frequency = %v, want 6000000", got)
	}
	if len(published) != 1 {
		t.Fatalf("published %d batches, want 1", len(published))
	}
	if batch.Errors != 0 || batch.Overflows != 0 {
		t.Fatalf("unexpected counters: errors=%d overflows=%d",
			batch.Errors, batch.Overflows)
	}
}

func TestProcessBatchEmptyPullIsNoOp(t *testing.T) {
	bus := &fakeBus{regs: goodIDRegs()}
	q := &fakeQuerier{statuses: []bridge.Status{{Sequence: 1, SentAt: 1, ReceivedAt: 1}}}
	s := New(bus, &fakeStream{}, &fakeBlocks{}, q, testConfig())

	called := false
	s.Subscribe(func(Batch) bool {
		called = true
		return true
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	batch, err := s.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("empty pull treated as error: %v", err)
	}
	if len(batch.Samples) != 0 {
		t.Fatalf("expected empty batch, got %d samples", len(batch.Samples))
	}
	if called {
		t.Fatal("empty batch was published")
	}
}

func TestProcessBatchCountsErrors(t *testing.T) {
	bus := &fakeBus{regs: goodIDRegs()}
	blocks := &fakeBlocks{queue: [][]bridge.Block{
		{block(1, sampleBytes(0xf, 1<<27), sampleBytes(0, 1<<27))},
		{block(2, sampleBytes(0x1, 1<<27))},
	}}
	q := &fakeQuerier{statuses: []bridge.Status{
		{Sequence: 1, SentAt: 20, ReceivedAt: 20},
	}}
	s := New(bus, &fakeStream{}, blocks, q, testConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	first, err := s.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if first.Errors != 1 {
		t.Fatalf("errors after first batch = %d, want 1", first.Errors)
	}
	if len(first.Samples) != 2 {
		t.Fatalf("flagged sample dropped: %d samples", len(first.Samples))
	}

	second, err := s.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if second.Errors != 2 {
		t.Fatalf("errors accumulate per session: got %d, want 2", second.Errors)
	}
}

func TestProcessBatchNotStreaming(t *testing.T) {
	s := New(&fakeBus{regs: goodIDRegs()}, &fakeStream{}, &fakeBlocks{},
		&fakeQuerier{}, testConfig())
	if _, err := s.ProcessBatch(context.Background()); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("expected ErrNotStreaming, got %v", err)
	}
}

func TestProcessBatchPropagatesTransportError(t *testing.T) {
	bus := &fakeBus{regs: goodIDRegs()}
	q := &fakeQuerier{statuses: []bridge.Status{{Sequence: 1, SentAt: 1, ReceivedAt: 1}}}
	s := New(bus, &fakeStream{}, &fakeBlocks{}, q, testConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	q.err = errors.New("status timeout")
	if _, err := s.ProcessBatch(context.Background()); err == nil {
		t.Fatal("expected transport error")
	}
	if s.State() != StateStreaming {
		t.Fatalf("transport error changed state to %s", s.State())
	}
}

func TestSubscriberContinuationContract(t *testing.T) {
	bus := &fakeBus{regs: goodIDRegs()}
	blocks := &fakeBlocks{queue: [][]bridge.Block{
		{block(1, sampleBytes(0, 1<<27))},
		{block(2, sampleBytes(0, 1<<27))},
	}}
	q := &fakeQuerier{statuses: []bridge.Status{{Sequence: 1, SentAt: 20, ReceivedAt: 20}}}
	s := New(bus, &fakeStream{}, blocks, q, testConfig())

	oneShot := 0
	s.Subscribe(func(Batch) bool {
		oneShot++
		return false
	})
	sticky := 0
	s.Subscribe(func(Batch) bool {
		sticky++
		return true
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch %d returned error: %v", i, err)
		}
	}

	if oneShot != 1 {
		t.Fatalf("one-shot subscriber called %d times, want 1", oneShot)
	}
	if sticky != 2 {
		t.Fatalf("sticky subscriber called %d times, want 2", sticky)
	}
}

func TestStopThenRestartResetsSession(t *testing.T) {
	bus := &fakeBus{regs: goodIDRegs()}
	stream := &fakeStream{}
	blocks := &fakeBlocks{queue: [][]bridge.Block{
		{block(40, sampleBytes(0xf, 1<<27))}, // first session, with an error
		{block(1, sampleBytes(0, 1<<27))},    // second session
	}}
	q := &fakeQuerier{statuses: []bridge.Status{
		{Sequence: 40, SentAt: 20, ReceivedAt: 20},
		{Sequence: 1, SentAt: 100, ReceivedAt: 100},
	}}
	s := New(bus, stream, blocks, q, testConfig())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	first, err := s.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("first ProcessBatch returned error: %v", err)
	}
	if first.Errors != 1 {
		t.Fatalf("first session errors = %d, want 1", first.Errors)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state after stop = %s, want idle", s.State())
	}
	if stream.stops != 1 {
		t.Fatalf("stop commands = %d, want 1", stream.stops)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
	second, err := s.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("second ProcessBatch returned error: %v", err)
	}
	// Fresh sequence state: the new session's timestamps anchor on the
	// new status round, independent of the previous session's indices.
	if got := second.Samples[0].Time; math.Abs(got-100.0) > 1e-9 {
		t.Fatalf("restarted sample time = %v, want 100.0", got)
	}
	if second.Errors != 0 {
		t.Fatalf("error counter leaked across sessions: %d", second.Errors)
	}
}
