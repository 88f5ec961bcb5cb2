// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package channeltest provides a scripted remote peer for tests that
// drive a [channel.Channel] over a real socket.
package channeltest

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/lib/netutil"
	"github.com/dpsx-project/dpsx/lib/testutil"
)

// Request is one frame the peer received. Serial is its position in
// the stream, counting from one, which is the serial a reply to it
// carries.
type Request struct {
	channel.Frame
	Serial uint64
}

// Handler reacts to a received frame from the peer's reader goroutine.
// It returns true when the frame needs no further attention; false
// frames are queued for [Peer.Next].
type Handler func(peer *Peer, request Request) bool

// Peer is the remote end of a channel.
type Peer struct {
	t        testing.TB
	conn     net.Conn
	handler  Handler
	requests chan Request
	received atomic.Uint64

	writeMu sync.Mutex
	done    chan struct{}
}

// NewPeer starts reading frames from conn. handler may be nil.
func NewPeer(t testing.TB, conn net.Conn, handler Handler) *Peer {
	t.Helper()
	peer := &Peer{
		t:        t,
		conn:     conn,
		handler:  handler,
		requests: make(chan Request, 256),
		done:     make(chan struct{}),
	}
	go peer.read()
	t.Cleanup(func() {
		conn.Close()
		<-peer.done
	})
	return peer
}

// Pair returns a client channel connected to a new peer.
func Pair(t testing.TB, options channel.Options, handler Handler) (*channel.Channel, *Peer) {
	t.Helper()
	local, remote := testutil.SocketPair(t)
	return channel.New(local, options), NewPeer(t, remote, handler)
}

func (p *Peer) read() {
	defer close(p.done)
	defer close(p.requests)
	for {
		frame, err := channel.ReadFrame(p.conn)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				p.t.Errorf("peer read: %v", err)
			}
			return
		}
		request := Request{Frame: frame, Serial: p.received.Add(1)}
		if p.handler != nil && p.handler(p, request) {
			continue
		}
		p.requests <- request
	}
}

// Received returns how many frames the peer has read.
func (p *Peer) Received() uint64 { return p.received.Load() }

// Next returns the next unhandled frame, failing the test after five
// seconds.
func (p *Peer) Next() Request {
	p.t.Helper()
	return testutil.RequireReceive(p.t, p.requests, 5*time.Second, "waiting for a frame at the peer")
}

// Expect returns the next unhandled frame and fails the test unless it
// has opcode op.
func (p *Peer) Expect(op channel.Opcode) Request {
	p.t.Helper()
	request := p.Next()
	if request.Op != op {
		p.t.Fatalf("peer received %s (serial %d), want %s", request.Op, request.Serial, op)
	}
	return request
}

// ExpectNothing fails the test if an unhandled frame arrives within
// wait.
func (p *Peer) ExpectNothing(wait time.Duration) {
	p.t.Helper()
	select {
	case request, ok := <-p.requests:
		if ok {
			p.t.Fatalf("peer received unexpected %s (serial %d)", request.Op, request.Serial)
		}
	case <-time.After(wait):
	}
}

// Decode decodes a request body, failing the test on error.
func (p *Peer) Decode(request Request, v any) {
	p.t.Helper()
	if err := request.Decode(v); err != nil {
		p.t.Fatalf("decoding %s: %v", request.Op, err)
	}
}

// Send writes one frame to the client. It is safe to call from a
// Handler.
func (p *Peer) Send(frame channel.Frame) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := channel.WriteFrame(p.conn, frame); err != nil && !netutil.IsExpectedCloseError(err) {
		p.t.Errorf("peer write %s: %v", frame.Op, err)
	}
}

// SendMessage encodes body and writes it as a control frame.
func (p *Peer) SendMessage(op channel.Opcode, body any) {
	frame, err := channel.NewFrame(op, body)
	if err != nil {
		p.t.Errorf("peer encode %s: %v", op, err)
		return
	}
	p.Send(frame)
}

// Reply answers request, stamping the reply with its serial.
func (p *Peer) Reply(request Request, reply channel.Reply) {
	reply.Serial = request.Serial
	p.SendMessage(channel.OpReply, reply)
}

// Output sends context output.
func (p *Peer) Output(context uint32, kind byte, data []byte) {
	p.Send(channel.Frame{Op: channel.OpOutput, Payload: channel.OutputPayload(context, kind, data)})
}

// Status sends a status event.
func (p *Peer) Status(context uint32, status channel.Status) {
	p.SendMessage(channel.OpStatusEvent, channel.StatusEvent{Context: context, Status: status})
}

// Close closes the peer's end of the connection.
func (p *Peer) Close() { p.conn.Close() }
