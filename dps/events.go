// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package dps

import (
	"context"
	"errors"
	"time"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/wire"
)

// EventKind identifies an [Event].
type EventKind uint8

const (
	// EventText is free text a context printed.
	EventText EventKind = iota + 1
	// EventStatus is a context status change.
	EventStatus
	// EventReady is an application-defined ready signal.
	EventReady
	// EventOutput is a binary object sequence a context wrote that no
	// wait consumed.
	EventOutput
	// EventError is a recoverable error about a context.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventStatus:
		return "status"
	case EventReady:
		return "ready"
	case EventOutput:
		return "output"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one thing that happened to a context.
type Event struct {
	Kind    EventKind
	Context ContextID

	// Text is set for EventText.
	Text []byte
	// Status is set for EventStatus.
	Status channel.Status
	// Ready is set for EventReady.
	Ready []int32
	// Record is set for EventOutput.
	Record wire.Record
	// Err is set for EventError.
	Err error
}

// Handlers receive dispatched events. Any of them may be nil, in which
// case the event is dropped after logging.
type Handlers struct {
	Text   func(id ContextID, text []byte)
	Status func(id ContextID, status channel.Status)
	Ready  func(id ContextID, data []int32)
	Output func(id ContextID, record wire.Record)
	// Error receives recoverable errors.
	Error func(err error)
	// Fatal receives the error that poisoned the session, once. It is
	// a session handler only; per-context overrides of it are ignored.
	Fatal func(err error)
}

// pumpSlice bounds each wait inside a blocking operation so context
// cancellation and the termination predicate are checked regularly.
const pumpSlice = 50 * time.Millisecond

// PollOnce returns the next event, waiting up to timeout for input. A
// negative timeout waits indefinitely. The boolean is false when
// nothing happened. Binary output for a context being waited on is
// consumed by the wait and produces no event.
func (s *Session) PollOnce(timeout time.Duration) (Event, bool, error) {
	if event, ok := s.popEvent(); ok {
		return event, true, nil
	}
	if err := s.check(); err != nil {
		return Event{}, false, err
	}
	channels := []*channel.Channel{s.server}
	if s.agent != nil {
		channels = append(channels, s.agent)
	}
	// Frames queued by a Call are handled before waiting for more.
	if !s.translateQueued(channels) {
		if _, err := channel.Poll(timeout, channels...); err != nil {
			return Event{}, false, s.channelFailed(err)
		}
		s.translateQueued(channels)
	}
	for _, ch := range channels {
		if err := ch.Err(); err != nil && !ch.Pending() {
			s.channelFailed(err)
		}
	}
	if event, ok := s.popEvent(); ok {
		return event, true, nil
	}
	return Event{}, false, s.check()
}

func (s *Session) popEvent() (Event, bool) {
	if len(s.events) == 0 {
		return Event{}, false
	}
	event := s.events[0]
	s.events = s.events[1:]
	return event, true
}

// translateQueued turns every queued frame into events and reports
// whether any frame was queued.
func (s *Session) translateQueued(channels []*channel.Channel) bool {
	found := false
	for _, ch := range channels {
		for {
			frame, ok := ch.Next()
			if !ok {
				break
			}
			found = true
			s.translate(ch, frame)
		}
	}
	return found
}

// translate turns one frame into zero or more queued events.
func (s *Session) translate(ch *channel.Channel, frame channel.Frame) {
	switch frame.Op {
	case channel.OpOutput:
		output, err := channel.ParseOutput(frame.Payload)
		if err != nil {
			s.queueError(wrapError(ProtocolError, 0, err))
			return
		}
		c, ok := s.remoteContext(output.Context, frame.Op)
		if !ok {
			return
		}
		if output.Kind == channel.OutputText {
			s.events = append(s.events, Event{Kind: EventText, Context: c.id, Text: output.Data})
			return
		}
		s.consumeBinary(c, output.Data)

	case channel.OpStatusEvent:
		var event channel.StatusEvent
		if err := frame.Decode(&event); err != nil {
			s.queueError(wrapError(ProtocolError, 0, err))
			return
		}
		c, ok := s.remoteContext(event.Context, frame.Op)
		if !ok {
			return
		}
		s.applyStatus(c, event.Status)
		if event.Status == channel.StatusZombie {
			s.coordinator.Forget(c.remote)
		}
		s.events = append(s.events, Event{Kind: EventStatus, Context: c.id, Status: event.Status})

	case channel.OpReadyEvent:
		var event channel.ReadyEvent
		if err := frame.Decode(&event); err != nil {
			s.queueError(wrapError(ProtocolError, 0, err))
			return
		}
		c, ok := s.remoteContext(event.Context, frame.Op)
		if !ok {
			return
		}
		s.events = append(s.events, Event{Kind: EventReady, Context: c.id, Ready: event.Data})

	case channel.OpErrorEvent:
		var event channel.ErrorEvent
		if err := frame.Decode(&event); err != nil {
			s.queueError(wrapError(ProtocolError, 0, err))
			return
		}
		c, ok := s.remoteContext(event.Context, frame.Op)
		if !ok {
			return
		}
		s.queueError(wrapError(RemoteError, c.id, errors.New(event.Message)))

	case channel.OpReply, channel.OpClientMessage, channel.OpInitReply:
		// Answers nobody is waiting for any more: a Call that gave up
		// on cancellation, or a sync echo that arrived late.
		s.logger.Debug("dropping unsolicited frame", "channel", ch.Name(), "op", frame.Op)

	default:
		s.queueError(newError(ProtocolError, 0, "unexpected %s frame on %s channel", frame.Op, ch.Name()))
	}
}

func (s *Session) remoteContext(remote uint32, op channel.Opcode) (*Context, bool) {
	id, ok := s.byRemote[remote]
	if !ok {
		s.logger.Debug("dropping frame for unknown context", "op", op, "remote", remote)
		return nil, false
	}
	return s.contexts[id], true
}

func (s *Session) queueError(err *Error) {
	s.events = append(s.events, Event{Kind: EventError, Context: err.Context, Err: err})
}

// consumeBinary feeds binary output to c's decoder. Complete records
// go to an outstanding wait or become output events.
func (s *Session) consumeBinary(c *Context, data []byte) {
	c.output.Write(data)
	for {
		record, err := c.output.Next()
		if errors.Is(err, wire.ErrNeedMore) {
			return
		}
		if err != nil {
			s.queueError(wrapError(ProtocolError, c.id, err))
			continue
		}
		if c.waiting != nil {
			c.waiting.deliver(c.id, record)
			continue
		}
		s.events = append(s.events, Event{Kind: EventOutput, Context: c.id, Record: record})
	}
}

// Dispatch hands an event to the handlers of its context, or to the
// session handlers.
func (s *Session) Dispatch(event Event) {
	handlers := s.handlers
	if c, ok := s.contexts[event.Context]; ok && c.handlers != nil {
		handlers = *c.handlers
	}
	switch event.Kind {
	case EventText:
		if handlers.Text != nil {
			handlers.Text(event.Context, event.Text)
			return
		}
	case EventStatus:
		if handlers.Status != nil {
			handlers.Status(event.Context, event.Status)
			return
		}
	case EventReady:
		if handlers.Ready != nil {
			handlers.Ready(event.Context, event.Ready)
			return
		}
	case EventOutput:
		if handlers.Output != nil {
			handlers.Output(event.Context, event.Record)
			return
		}
	case EventError:
		if handlers.Error != nil {
			handlers.Error(event.Err)
			return
		}
		s.logger.Warn("unhandled context error", "context", event.Context, "error", event.Err)
		return
	}
	s.logger.Debug("no handler for event", "kind", event.Kind, "context", event.Context)
}

// Pump polls and dispatches events until done reports true, ctx ends,
// or the session fails. done is checked before every poll.
func (s *Session) Pump(ctx context.Context, done func() bool) error {
	for {
		if done() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		event, ok, err := s.PollOnce(pumpSlice)
		if ok {
			s.Dispatch(event)
			continue
		}
		if err != nil {
			return err
		}
	}
}
