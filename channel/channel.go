// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the connection channel: one framed,
// buffered, flush-on-demand link to a display server or an agent.
//
// Outbound frames accumulate in a write buffer until Flush, an
// out-of-band send, or the buffer filling up. Every frame written
// counts as one request; the count is what barrier logic compares to
// decide whether the peer on the other connection could have missed
// something.
//
// Inbound frames are read only when the owner asks (Receive, Poll, or
// a blocking Call) and queue in arrival order. A Call that waits for
// its reply leaves every other frame queued for the owner's event
// loop, so nothing is dispatched from inside the channel.
//
// A Channel is owned by one goroutine and is not safe for concurrent
// use.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/dpsx-project/dpsx/lib/netutil"
)

// ErrClosed reports a channel whose transport failed or was closed.
// Every error after the first failure wraps it.
var ErrClosed = errors.New("channel: connection closed")

// RemoteError is a request the peer answered with an error.
type RemoteError struct {
	Op      Opcode
	Serial  uint64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s request %d failed: %s", e.Op, e.Serial, e.Message)
}

// Defaults applied by New to zero Options fields.
const (
	DefaultMaxMessageSize = 65536
	DefaultBufferSize     = 16384

	readChunk = 64 * 1024
	// awaitSlice bounds each readiness wait inside a blocking call so
	// context cancellation is noticed.
	awaitSlice = 50 * time.Millisecond
)

// Options configures a Channel.
type Options struct {
	// Name labels the channel in logs, errors, and traces:
	// "server" or "agent".
	Name string

	// MaxMessageSize bounds one outbound program frame, context id
	// included.
	MaxMessageSize int

	// BufferSize is the write buffer size that triggers an implicit
	// flush.
	BufferSize int

	Logger *slog.Logger

	// Tap, if set, sees every frame sent and received.
	Tap Tap
}

// Channel is one framed connection.
type Channel struct {
	name           string
	conn           net.Conn
	raw            syscall.RawConn
	logger         *slog.Logger
	tap            Tap
	maxMessageSize int
	bufferSize     int

	out      []byte
	in       []byte
	pending  []Frame
	requests uint64
	err      error
}

// New wraps conn. The channel owns conn from here on.
func New(conn net.Conn, options Options) *Channel {
	if options.Name == "" {
		options.Name = "server"
	}
	if options.MaxMessageSize <= contextPrefixLength {
		options.MaxMessageSize = DefaultMaxMessageSize
	}
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultBufferSize
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	channel := &Channel{
		name:           options.Name,
		conn:           conn,
		logger:         logger.With("channel", options.Name),
		tap:            options.Tap,
		maxMessageSize: options.MaxMessageSize,
		bufferSize:     options.BufferSize,
	}
	if syscallConn, ok := conn.(syscall.Conn); ok {
		if raw, err := syscallConn.SyscallConn(); err == nil {
			channel.raw = raw
		}
	}
	return channel
}

// Name returns the channel's label.
func (c *Channel) Name() string { return c.name }

// Requests returns the number of frames written so far, including
// buffered ones.
func (c *Channel) Requests() uint64 { return c.requests }

// Err returns the sticky transport error, or nil while the channel is
// usable.
func (c *Channel) Err() error { return c.err }

// Buffered returns the number of bytes waiting to be flushed.
func (c *Channel) Buffered() int { return len(c.out) }

func (c *Channel) fail(err error) {
	if c.err != nil {
		return
	}
	if netutil.IsExpectedCloseError(err) {
		c.logger.Info("peer closed connection")
	} else {
		c.logger.Error("channel failed", "error", err)
	}
	c.err = fmt.Errorf("%w: %s channel: %w", ErrClosed, c.name, err)
}

// Send buffers a frame.
func (c *Channel) Send(frame Frame) error {
	if c.err != nil {
		return c.err
	}
	if len(frame.Payload) > MaxFrameLength {
		return fmt.Errorf("%w: %s payload of %d bytes exceeds maximum %d", ErrProtocol, frame.Op, len(frame.Payload), MaxFrameLength)
	}
	c.out = AppendFrame(c.out, frame)
	c.requests++
	if c.tap != nil {
		c.tap.Observe(c.name, Outbound, frame)
	}
	if len(c.out) >= c.bufferSize {
		return c.Flush()
	}
	return nil
}

// SendMessage encodes body and buffers it as a control frame.
func (c *Channel) SendMessage(op Opcode, body any) error {
	frame, err := NewFrame(op, body)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// SendInput buffers program bytes for a context. Input longer than one
// message is split across several frames in order; the split is
// logged because a peer that parses per frame would see a token cut
// in half.
func (c *Channel) SendInput(context uint32, data []byte) error {
	chunk := c.maxMessageSize - contextPrefixLength
	if len(data) > chunk {
		c.logger.Warn("program input exceeds max message size, splitting",
			"context", context,
			"bytes", len(data),
			"max_message_size", c.maxMessageSize,
			"frames", (len(data)+chunk-1)/chunk)
	}
	for len(data) > 0 {
		piece := data[:min(chunk, len(data))]
		data = data[len(piece):]
		if err := c.Send(Frame{Op: OpGiveInput, Payload: ContextPayload(context, piece)}); err != nil {
			return err
		}
	}
	return nil
}

// SendClientMessage sends an out-of-band message. Anything buffered
// goes first, then the message is written immediately.
func (c *Channel) SendClientMessage(message ClientMessage) error {
	if err := c.Flush(); err != nil {
		return err
	}
	if err := c.SendMessage(OpClientMessage, message); err != nil {
		return err
	}
	return c.Flush()
}

// Flush writes every buffered frame.
func (c *Channel) Flush() error {
	if c.err != nil {
		return c.err
	}
	if len(c.out) == 0 {
		return nil
	}
	_, err := c.conn.Write(c.out)
	c.out = c.out[:0]
	if err != nil {
		c.fail(err)
		return c.err
	}
	return nil
}

// Pending reports whether a received frame is queued.
func (c *Channel) Pending() bool { return len(c.pending) > 0 }

// Next pops the oldest queued frame without reading.
func (c *Channel) Next() (Frame, bool) {
	if len(c.pending) == 0 {
		return Frame{}, false
	}
	frame := c.pending[0]
	c.pending = c.pending[1:]
	return frame, true
}

// Take removes and returns the oldest queued frame satisfying match,
// without reading.
func (c *Channel) Take(match func(Frame) bool) (Frame, bool) {
	for i, frame := range c.pending {
		if match(frame) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return frame, true
		}
	}
	return Frame{}, false
}

// Receive returns the next frame, waiting up to timeout for one to
// arrive. A negative timeout waits indefinitely; zero only checks. The
// boolean is false when nothing arrived. Queued frames are returned
// even after the transport has failed.
func (c *Channel) Receive(timeout time.Duration) (Frame, bool, error) {
	if frame, ok := c.Next(); ok {
		return frame, true, nil
	}
	if c.err != nil {
		return Frame{}, false, c.err
	}
	if err := Wait(timeout, c); err != nil {
		return Frame{}, false, err
	}
	if frame, ok := c.Next(); ok {
		return frame, true, nil
	}
	return Frame{}, false, c.err
}

// Call buffers a request, flushes, and waits for its reply. Frames
// that arrive first stay queued in order.
func (c *Channel) Call(ctx context.Context, op Opcode, body any) (Reply, error) {
	if err := c.SendMessage(op, body); err != nil {
		return Reply{}, err
	}
	serial := c.requests
	if err := c.Flush(); err != nil {
		return Reply{}, err
	}
	frame, err := c.await(ctx, func(frame Frame) bool {
		if frame.Op != OpReply {
			return false
		}
		var header struct {
			Serial uint64 `cbor:"s"`
		}
		return frame.Decode(&header) == nil && header.Serial == serial
	})
	if err != nil {
		return Reply{}, fmt.Errorf("waiting for %s reply: %w", op, err)
	}
	var reply Reply
	if err := frame.Decode(&reply); err != nil {
		return Reply{}, err
	}
	if reply.Error != "" {
		return reply, &RemoteError{Op: op, Serial: serial, Message: reply.Error}
	}
	return reply, nil
}

// await reads until a queued frame satisfies match and removes it from
// the queue.
func (c *Channel) await(ctx context.Context, match func(Frame) bool) (Frame, error) {
	scanned := 0
	for {
		for i := scanned; i < len(c.pending); i++ {
			if match(c.pending[i]) {
				frame := c.pending[i]
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				return frame, nil
			}
		}
		scanned = len(c.pending)
		if c.err != nil {
			return Frame{}, c.err
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if err := Wait(awaitSlice, c); err != nil {
			return Frame{}, err
		}
	}
}

// readOnce performs one read, waiting until deadline (zero waits
// indefinitely), and queues every complete frame received.
func (c *Channel) readOnce(deadline time.Time) {
	if c.err != nil {
		return
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		c.fail(err)
		return
	}
	if cap(c.in)-len(c.in) < readChunk {
		grown := make([]byte, len(c.in), len(c.in)+readChunk)
		copy(grown, c.in)
		c.in = grown
	}
	n, err := c.conn.Read(c.in[len(c.in):cap(c.in)])
	c.in = c.in[:len(c.in)+n]
	if err != nil && !netutil.IsTimeout(err) {
		c.parse()
		c.fail(err)
		return
	}
	c.parse()
}

func (c *Channel) parse() {
	consumed := 0
	for {
		frame, n, err := parseFrame(c.in[consumed:])
		if err != nil {
			c.in = c.in[:0]
			c.fail(err)
			return
		}
		if n == 0 {
			break
		}
		consumed += n
		c.pending = append(c.pending, frame)
		if c.tap != nil {
			c.tap.Observe(c.name, Inbound, frame)
		}
	}
	c.in = append(c.in[:0], c.in[consumed:]...)
}

// fd returns the descriptor to poll, if the transport has one.
func (c *Channel) fd() (int, bool) {
	if c.raw == nil {
		return 0, false
	}
	descriptor := -1
	if err := c.raw.Control(func(fd uintptr) { descriptor = int(fd) }); err != nil {
		return 0, false
	}
	return descriptor, descriptor >= 0
}

// Close flushes what it can and closes the transport.
func (c *Channel) Close() error {
	if c.err == nil {
		_ = c.Flush()
	}
	err := c.conn.Close()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %s channel closed locally", ErrClosed, c.name)
	}
	return err
}
