// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package coord keeps the display-server channel and the agent channel
// causally ordered.
//
// The two connections reach independent peers. A request the client
// issues on the server channel (freeing a pixmap, changing a GC) may be
// something a later agent operation depends on, yet nothing stops the
// agent from acting before the server has processed it. The
// coordinator closes that gap without a round trip per call:
//
//   - [Coordinator.Reconcile] notices that the server channel has
//     carried requests since the context was last synchronized, and
//     sends the agent a pause with a fresh sequence number.
//   - [Coordinator.Resume] sends the matching resume before the next
//     operation for that context. The resume travels out of band
//     through the display server, addressed to the agent's window, so
//     the agent sees it only after the server has processed everything
//     sent before it.
//   - [Coordinator.Sync] is the full barrier: a token sent to the
//     agent and echoed back, waited for synchronously.
//
// With no agent channel every operation is a no-op.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dpsx-project/dpsx/channel"
)

// ErrNoEcho reports a sync whose echo never arrived because a channel
// failed.
var ErrNoEcho = errors.New("coord: sync echo not received")

// Record is the pause state of one context.
type Record struct {
	// Paused is set between a pause and its resume.
	Paused bool
	// Seq is the sequence number of the latest pause. It only grows.
	Seq uint32
	// LastRequest is the server channel request count when the context
	// was last synchronized.
	LastRequest uint64
}

// Options configures a Coordinator.
type Options struct {
	Server *channel.Channel
	// Agent is nil when the display server hosts contexts itself.
	Agent *channel.Channel

	// AgentWindow is where resume messages are addressed.
	AgentWindow uint32
	// ClientWindow is where the agent addresses sync echoes.
	ClientWindow uint32

	Logger *slog.Logger
}

// Coordinator tracks per-context pause state for one channel pair. It
// is owned by the session's goroutine.
type Coordinator struct {
	server       *channel.Channel
	agent        *channel.Channel
	agentWindow  uint32
	clientWindow uint32
	logger       *slog.Logger

	records   map[uint32]*Record
	syncToken uint32
}

// New returns a coordinator for the channel pair in options.
func New(options Options) *Coordinator {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		server:       options.Server,
		agent:        options.Agent,
		agentWindow:  options.AgentWindow,
		clientWindow: options.ClientWindow,
		logger:       logger,
		records:      make(map[uint32]*Record),
	}
}

// Active reports whether there is an agent channel to coordinate.
func (c *Coordinator) Active() bool { return c.agent != nil }

// Record returns a copy of the pause state of context id.
func (c *Coordinator) Record(id uint32) (Record, bool) {
	record, ok := c.records[id]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// Barrier applies policy for an operation on context id.
func (c *Coordinator) Barrier(ctx context.Context, id uint32, policy Policy) error {
	switch policy {
	case PolicyNone:
		return nil
	case PolicyReconcile:
		return c.Reconcile(id)
	case PolicySync:
		return c.Sync(ctx, id)
	default:
		return fmt.Errorf("coord: unknown barrier policy %d", policy)
	}
}

// Reconcile pauses context id on the agent if the server channel has
// carried requests since the context was last synchronized. A context
// already paused stays paused under its current sequence number; the
// pending resume will be ordered after the new requests anyway.
func (c *Coordinator) Reconcile(id uint32) error {
	if c.agent == nil {
		return nil
	}
	current := c.server.Requests()
	record, ok := c.records[id]
	var last uint64
	if ok {
		last = record.LastRequest
	}
	if last == current {
		return nil
	}
	if !ok {
		record = &Record{}
		c.records[id] = record
	}
	record.LastRequest = current
	if record.Paused {
		return nil
	}
	record.Seq++
	record.Paused = true
	c.logger.Debug("pausing context", "context", id, "seq", record.Seq, "server_requests", current)
	if err := c.agent.SendMessage(channel.OpPause, channel.PauseRequest{Context: id, Seq: record.Seq}); err != nil {
		return fmt.Errorf("pausing context %d: %w", id, err)
	}
	if err := c.agent.Flush(); err != nil {
		return fmt.Errorf("pausing context %d: %w", id, err)
	}
	return nil
}

// Resume releases a paused context. It sends the resume out of band on
// the server channel, which flushes what the server channel has
// buffered first. It does nothing for a context that is not paused.
func (c *Coordinator) Resume(id uint32) error {
	if c.agent == nil {
		return nil
	}
	record, ok := c.records[id]
	if !ok || !record.Paused {
		return nil
	}
	message := channel.ClientMessage{
		Window:  c.agentWindow,
		Kind:    channel.MessageResume,
		Context: id,
		Seq:     record.Seq,
	}
	if err := c.server.SendClientMessage(message); err != nil {
		return fmt.Errorf("resuming context %d: %w", id, err)
	}
	record.Paused = false
	// The resume itself is a server request the agent has now been
	// ordered after.
	record.LastRequest = c.server.Requests()
	c.logger.Debug("resumed context", "context", id, "seq", record.Seq)
	return nil
}

// syncSlice bounds each readiness wait while waiting for an echo.
const syncSlice = 50 * time.Millisecond

// Sync runs a full barrier for context id: it asks the agent to echo a
// new token, flushes both channels, and waits until the echo arrives
// on either channel. Other frames that arrive meanwhile stay queued.
func (c *Coordinator) Sync(ctx context.Context, id uint32) error {
	if c.agent == nil {
		return nil
	}
	c.syncToken++
	token := c.syncToken
	request := channel.SyncRequest{Context: id, Token: token, Window: c.clientWindow}
	if err := c.agent.SendMessage(channel.OpSyncRequest, request); err != nil {
		return fmt.Errorf("sync context %d: %w", id, err)
	}
	if err := c.server.Flush(); err != nil {
		return fmt.Errorf("sync context %d: %w", id, err)
	}
	if err := c.agent.Flush(); err != nil {
		return fmt.Errorf("sync context %d: %w", id, err)
	}
	// Requests issued before the sync request are now ordered before
	// the echo.
	requests := c.server.Requests()

	isEcho := func(frame channel.Frame) bool {
		if frame.Op != channel.OpClientMessage {
			return false
		}
		var message channel.ClientMessage
		if frame.Decode(&message) != nil {
			return false
		}
		return message.Kind == channel.MessageSyncEcho && message.Seq == token
	}
	for {
		for _, ch := range []*channel.Channel{c.server, c.agent} {
			if _, ok := ch.Take(isEcho); ok {
				record, exists := c.records[id]
				if !exists {
					record = &Record{}
					c.records[id] = record
				}
				record.LastRequest = requests
				c.logger.Debug("sync complete", "context", id, "token", token)
				return nil
			}
		}
		if err := c.agent.Err(); err != nil {
			return fmt.Errorf("%w: context %d token %d: %w", ErrNoEcho, id, token, err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync context %d: %w", id, err)
		}
		if err := channel.Wait(syncSlice, c.server, c.agent); err != nil {
			return fmt.Errorf("%w: context %d token %d: %w", ErrNoEcho, id, token, err)
		}
	}
}

// Forget drops the pause state of a context that was destroyed or
// unfrozen remotely.
func (c *Coordinator) Forget(id uint32) {
	delete(c.records, id)
}
