// Package bridge implements the command channel to an LDC sensor bridge:
// a microcontroller that owns the I2C link to the chip, buffers sample
// blocks, and answers a line-oriented request/response protocol over TCP
// or a serial port.
package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// Block is one delivery unit from the bridge sample buffer. Data holds
// whole 4-byte samples; Sequence is the bridge's wrapping block counter.
type Block struct {
	Sequence uint16
	Data     []byte
}

// Status is the reply to a STATUS round. SentAt/ReceivedAt are host
// timestamps (seconds) taken immediately around the request; callers
// use their midpoint as the host time of the observation.
type Status struct {
	Sequence   uint16 // next block sequence number
	Buffered   uint16 // bytes currently waiting in the bridge buffer
	Overflows  uint16 // wrapping count of blocks dropped to overflow
	SentAt     float64
	ReceivedAt float64
}

// Error is a command failure reported by the bridge ("ERR <code> <msg>").
type Error struct {
	Cmd  string
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bridge: %s failed: %s (code %d)", e.Cmd, e.Msg, e.Code)
}

// deadliner is implemented by net.Conn; serial ports rely on their
// configured read timeout instead.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Conn is a single command channel to a bridge. All requests are
// strictly serialized: the protocol allows one in-flight request.
type Conn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
	w   *bufio.Writer
	dl  deadliner // nil for transports without deadlines

	mu sync.Mutex // serializes request/response rounds

	Timeout time.Duration
	Logger  *log.Logger

	// Now supplies host timestamps for STATUS rounds. Overridable in
	// tests; defaults to wall clock seconds.
	Now func() float64
}

const defaultTimeout = 5 * time.Second

// NewConn wraps an established transport. Used directly by tests and by
// Dial/OpenSerial.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	c := &Conn{
		rwc:     rwc,
		r:       bufio.NewReader(rwc),
		w:       bufio.NewWriter(rwc),
		Timeout: defaultTimeout,
		Now:     nowSeconds,
	}
	if d, ok := rwc.(deadliner); ok {
		c.dl = d
	}
	return c
}

// Dial connects to a TCP bridge, retrying transient failures with
// exponential backoff until the context is cancelled.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	d := net.Dialer{Timeout: 3 * time.Second}

	var conn net.Conn
	op := func() error {
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("connect to bridge at %s: %w", addr, err)
	}
	return NewConn(conn), nil
}

// OpenSerial opens a serial-port bridge. The port read timeout doubles
// as the request timeout since serial has no deadline support.
func OpenSerial(device string, baud int) (*Conn, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: defaultTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open bridge port %s: %w", device, err)
	}
	return NewConn(port), nil
}

func (c *Conn) Close() error {
	if c.rwc != nil {
		return c.rwc.Close()
	}
	return nil
}

func (c *Conn) logf(format string, args ...any) {
	l := c.Logger
	if l == nil {
		return
	}
	l.Printf(format, args...)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// applyDeadline arms the transport deadline from the context or the
// configured timeout, whichever comes first.
func (c *Conn) applyDeadline(ctx context.Context) {
	if c.dl == nil {
		return
	}
	dl := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	_ = c.dl.SetDeadline(dl)
}

// writeLine sends one command line. Caller must hold c.mu.
func (c *Conn) writeLine(line string) error {
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// readLine reads one LF-terminated reply line with trailing whitespace
// trimmed. Caller must hold c.mu.
func (c *Conn) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// parseReply splits a reply into its payload, converting ERR replies
// into *Error values.
func parseReply(cmd, line string) (string, error) {
	switch {
	case line == "OK":
		return "", nil
	case strings.HasPrefix(line, "OK "):
		return line[3:], nil
	case strings.HasPrefix(line, "ERR "):
		rest := line[4:]
		code := 0
		msg := rest
		if sp := strings.IndexByte(rest, ' '); sp > 0 {
			if n, err := strconv.Atoi(rest[:sp]); err == nil {
				code = n
				msg = rest[sp+1:]
			}
		}
		return "", &Error{Cmd: cmd, Code: code, Msg: msg}
	}
	return "", fmt.Errorf("bridge: malformed reply to %s: %q", cmd, line)
}

// roundTrip performs one request/response exchange. The first word of
// cmd names the command for error reporting.
func (c *Conn) roundTrip(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.applyDeadline(ctx)
	if err := c.writeLine(cmd); err != nil {
		return "", fmt.Errorf("bridge: send %s: %w", firstWord(cmd), err)
	}
	line, err := c.readLine()
	if err != nil {
		return "", fmt.Errorf("bridge: reply to %s: %w", firstWord(cmd), err)
	}
	return parseReply(firstWord(cmd), line)
}

func firstWord(s string) string {
	if sp := strings.IndexByte(s, ' '); sp > 0 {
		return s[:sp]
	}
	return s
}
