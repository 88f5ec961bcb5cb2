// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package dps drives remote PostScript execution contexts.
//
// A [Session] owns everything one client connection needs: the
// display-server channel, the optional agent channel, the user name
// table, the registry of spaces and contexts, the graphics state cache,
// and the coordinator that keeps the two channels causally ordered.
// Contexts and spaces are addressed by opaque ids; chain links are ids
// resolved through the session, so destroying a context in the middle
// of a chain cannot leave a dangling reference.
//
// A Session is single-goroutine. Blocking operations ([Session.Await],
// [Session.Reset], handshakes, status queries) pump events while they
// wait: output, status changes, and ready signals for other contexts
// are dispatched to the registered [Handlers] from inside the wait, and
// handlers may call back into the session. Nothing runs concurrently.
package dps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/coord"
	"github.com/dpsx-project/dpsx/gstate"
	"github.com/dpsx-project/dpsx/lib/clock"
	"github.com/dpsx-project/dpsx/names"
	"github.com/dpsx-project/dpsx/wire"
)

// ResetPolicy bounds the wait for a frozen context after a reset.
type ResetPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Options configures a Session.
type Options struct {
	// Server is the display-server channel. Required.
	Server *channel.Channel
	// Agent is the agent channel, nil when the server hosts contexts
	// itself.
	Agent *channel.Channel

	// AgentWindow receives resume messages; ClientWindow receives
	// sync echoes. Both matter only with an agent.
	AgentWindow  uint32
	ClientWindow uint32

	// Program, Names, and Format are the encodings new contexts start
	// with. A zero Format means the format the peer prefers.
	Program wire.ProgramEncoding
	Names   wire.NameEncoding
	Format  wire.NumberFormat

	// GCFlush selects when graphics state changes are sent.
	GCFlush gstate.FlushPolicy
	// Barrier is applied before every write to an agent-hosted
	// context.
	Barrier coord.Policy

	Reset ResetPolicy

	// Colors supplies default colormaps for contexts created without
	// them. May be nil.
	Colors ColorAllocator

	Handlers Handlers
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Session is one client's view of its remote contexts.
type Session struct {
	server *channel.Channel
	agent  *channel.Channel
	// target hosts contexts: the agent when present, else the server.
	target *channel.Channel

	coordinator *coord.Coordinator
	gc          *gstate.Cache
	names       *names.Table

	program wire.ProgramEncoding
	nameEnc wire.NameEncoding
	format  wire.NumberFormat
	barrier coord.Policy
	reset   ResetPolicy
	colors  ColorAllocator

	handlers Handlers
	clock    clock.Clock
	logger   *slog.Logger

	contexts    map[ContextID]*Context
	byRemote    map[uint32]ContextID
	spaces      map[SpaceID]*Space
	spaceRemote map[uint32]SpaceID
	nextContext ContextID
	nextSpace   SpaceID

	// events holds decoded events not yet returned by PollOnce.
	events []Event

	// fatal is the error that poisoned the session.
	fatal         error
	fatalReported bool
}

// New builds a session over already initialized channels.
func New(options Options) (*Session, error) {
	if options.Server == nil {
		return nil, errors.New("dps: a server channel is required")
	}
	if err := wire.CheckEncodings(options.Program, options.Names); err != nil {
		return nil, wrapError(EncodingCheck, 0, err)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	reset := options.Reset
	if reset.MaxAttempts <= 0 {
		reset.MaxAttempts = 20
	}
	if reset.InitialBackoff <= 0 {
		reset.InitialBackoff = 10 * time.Millisecond
	}
	if reset.MaxBackoff < reset.InitialBackoff {
		reset.MaxBackoff = reset.InitialBackoff
	}

	s := &Session{
		server:      options.Server,
		agent:       options.Agent,
		target:      options.Server,
		names:       names.NewTable(),
		program:     options.Program,
		nameEnc:     options.Names,
		format:      options.Format,
		barrier:     options.Barrier,
		reset:       reset,
		colors:      options.Colors,
		handlers:    options.Handlers,
		clock:       clk,
		logger:      logger,
		contexts:    make(map[ContextID]*Context),
		byRemote:    make(map[uint32]ContextID),
		spaces:      make(map[SpaceID]*Space),
		spaceRemote: make(map[uint32]SpaceID),
	}
	if options.Agent != nil {
		s.target = options.Agent
	}
	s.coordinator = coord.New(coord.Options{
		Server:       options.Server,
		Agent:        options.Agent,
		AgentWindow:  options.AgentWindow,
		ClientWindow: options.ClientWindow,
		Logger:       logger,
	})
	// Graphics state lives on the display server.
	s.gc = gstate.New(options.Server, options.GCFlush, logger)
	return s, nil
}

// Names returns the session's user name table.
func (s *Session) Names() *names.Table { return s.names }

// Coordinator returns the session's channel coordinator.
func (s *Session) Coordinator() *coord.Coordinator { return s.coordinator }

// Err returns the error that poisoned the session, if any.
func (s *Session) Err() error { return s.fatal }

// SetHandlers replaces the session-wide handlers.
func (s *Session) SetHandlers(handlers Handlers) { s.handlers = handlers }

// Flush writes everything buffered on both channels, server first.
func (s *Session) Flush() error {
	if err := s.server.Flush(); err != nil {
		return s.channelFailed(err)
	}
	if s.agent != nil {
		if err := s.agent.Flush(); err != nil {
			return s.channelFailed(err)
		}
	}
	return nil
}

// Close destroys every context this session created, then closes both
// channels.
func (s *Session) Close() error {
	for id := range s.contexts {
		if err := s.Destroy(id); err != nil {
			s.logger.Debug("destroying context at close", "context", id, "error", err)
		}
	}
	var errs []error
	if s.agent != nil {
		errs = append(errs, s.agent.Close())
	}
	errs = append(errs, s.server.Close())
	return errors.Join(errs...)
}

// check returns the poisoning error, if any.
func (s *Session) check() error {
	if s.fatal != nil {
		return s.fatal
	}
	return nil
}

// channelFailed classifies a channel error. Transport failures poison
// the session and reach the fatal handler once.
func (s *Session) channelFailed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, channel.ErrClosed) || errors.Is(err, channel.ErrProtocol) {
		return s.poison(wrapError(ClosedConnection, 0, err))
	}
	return err
}

// poison marks the session dead and reports it to the fatal handler,
// once.
func (s *Session) poison(err *Error) error {
	if s.fatal == nil {
		s.fatal = err
		s.logger.Error("session failed", "error", err)
	}
	if !s.fatalReported {
		s.fatalReported = true
		if s.handlers.Fatal != nil {
			s.handlers.Fatal(s.fatal)
		}
	}
	return s.fatal
}

// call performs a request on ch and classifies its failure.
func (s *Session) call(ctx context.Context, ch *channel.Channel, id ContextID, op channel.Opcode, body any) (channel.Reply, error) {
	reply, err := ch.Call(ctx, op, body)
	if err == nil {
		return reply, nil
	}
	var remote *channel.RemoteError
	if errors.As(err, &remote) {
		return reply, wrapError(RemoteError, id, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return reply, err
	}
	return reply, s.channelFailed(fmt.Errorf("%s: %w", op, err))
}
