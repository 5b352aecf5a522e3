package bridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Command set understood by the bridge firmware:
//
//	VERSION                          -> OK <text>
//	READREG <addr>                   -> OK <value>
//	WRITEREG <addr> <value> [<tick>] -> OK
//	STATUS                           -> OK <seq> <buffered> <overflows>
//	STREAM <rest_ticks>              -> OK          (0 stops, acknowledged)
//	PULL                             -> OK <n>, then n lines "<seq> <hex>"
//	FLUSH                            -> OK
//
// Starting a stream resets the bridge's sequence and overflow counters.

// Version returns the bridge firmware identification string.
func (c *Conn) Version(ctx context.Context) (string, error) {
	return c.roundTrip(ctx, "VERSION")
}

// ReadRegister reads one 16-bit chip register through the bridge.
func (c *Conn) ReadRegister(ctx context.Context, reg uint8) (uint16, error) {
	resp, err := c.roundTrip(ctx, fmt.Sprintf("READREG 0x%02x", reg))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(resp, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bridge: malformed READREG value %q: %w", resp, err)
	}
	return uint16(v), nil
}

// WriteRegister writes one 16-bit chip register. A non-zero minTick asks
// the bridge not to issue the write before its clock reaches that tick.
func (c *Conn) WriteRegister(ctx context.Context, reg uint8, value uint16, minTick uint64) error {
	cmd := fmt.Sprintf("WRITEREG 0x%02x 0x%04x", reg, value)
	if minTick > 0 {
		cmd = fmt.Sprintf("%s %d", cmd, minTick)
	}
	_, err := c.roundTrip(ctx, cmd)
	return err
}

// QueryStatus performs one STATUS round and records the host send and
// receive times around it.
func (c *Conn) QueryStatus(ctx context.Context) (Status, error) {
	sent := c.Now()
	resp, err := c.roundTrip(ctx, "STATUS")
	received := c.Now()
	if err != nil {
		return Status{}, err
	}

	fields := strings.Fields(resp)
	if len(fields) != 3 {
		return Status{}, fmt.Errorf("bridge: malformed STATUS reply %q", resp)
	}
	var vals [3]uint16
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 0, 16)
		if err != nil {
			return Status{}, fmt.Errorf("bridge: malformed STATUS field %q: %w", f, err)
		}
		vals[i] = uint16(v)
	}
	return Status{
		Sequence:   vals[0],
		Buffered:   vals[1],
		Overflows:  vals[2],
		SentAt:     sent,
		ReceivedAt: received,
	}, nil
}

// StartStreaming tells the bridge to begin bulk sampling, with restTicks
// bridge clock ticks of rest between chip conversions.
func (c *Conn) StartStreaming(ctx context.Context, restTicks uint32) error {
	if restTicks == 0 {
		return fmt.Errorf("bridge: rest ticks must be non-zero to start streaming")
	}
	_, err := c.roundTrip(ctx, fmt.Sprintf("STREAM %d", restTicks))
	return err
}

// StopStreaming halts bulk sampling. The bridge acknowledges the stop
// before any further command is accepted, so a nil return means sampling
// has ceased.
func (c *Conn) StopStreaming(ctx context.Context) error {
	_, err := c.roundTrip(ctx, "STREAM 0")
	return err
}

// PullBlocks drains the bridge sample buffer. An empty slice simply
// means no data arrived since the last pull.
func (c *Conn) PullBlocks(ctx context.Context) ([]Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyDeadline(ctx)
	if err := c.writeLine("PULL"); err != nil {
		return nil, fmt.Errorf("bridge: send PULL: %w", err)
	}
	line, err := c.readLine()
	if err != nil {
		return nil, fmt.Errorf("bridge: reply to PULL: %w", err)
	}
	resp, err := parseReply("PULL", line)
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(resp)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bridge: malformed PULL count %q", resp)
	}

	blocks := make([]Block, 0, n)
	for i := 0; i < n; i++ {
		line, err := c.readLine()
		if err != nil {
			return nil, fmt.Errorf("bridge: block %d of %d: %w", i+1, n, err)
		}
		blk, err := parseBlock(line)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, blk)
	}
	c.logf("[bridge] pulled %d blocks", len(blocks))
	return blocks, nil
}

// Flush discards anything in the bridge sample buffer.
func (c *Conn) Flush(ctx context.Context) error {
	_, err := c.roundTrip(ctx, "FLUSH")
	return err
}

// parseBlock decodes one "<seq> <hexdata>" line.
func parseBlock(line string) (Block, error) {
	sp := strings.IndexByte(line, ' ')
	if sp <= 0 {
		return Block{}, fmt.Errorf("bridge: malformed block line %q", line)
	}
	seq, err := strconv.ParseUint(line[:sp], 0, 16)
	if err != nil {
		return Block{}, fmt.Errorf("bridge: malformed block sequence %q: %w", line[:sp], err)
	}
	data, err := hex.DecodeString(line[sp+1:])
	if err != nil {
		return Block{}, fmt.Errorf("bridge: malformed block payload: %w", err)
	}
	if len(data)%4 != 0 {
		return Block{}, fmt.Errorf("bridge: block payload length %d not a sample multiple", len(data))
	}
	return Block{Sequence: uint16(seq), Data: data}, nil
}
