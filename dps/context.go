// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package dps

import (
	"context"
	"errors"
	"fmt"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/coord"
	"github.com/dpsx-project/dpsx/gstate"
	"github.com/dpsx-project/dpsx/wire"
)

// ContextID is a session-local context handle. Zero is never a valid
// context.
type ContextID uint32

// SpaceID is a session-local space handle. Zero means "no space".
type SpaceID uint32

// State is a context's lifecycle state.
type State uint8

const (
	Active State = iota + 1
	Frozen
	Zombie
	Destroyed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Frozen:
		return "frozen"
	case Zombie:
		return "zombie"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Space groups contexts that share one remote name table and address
// space.
type Space struct {
	id     SpaceID
	remote uint32
	// creator is set when this session caused the remote space to
	// exist, and only then is it destroyed remotely with its last
	// member.
	creator bool
	// lastNameIndex is the highest user name index defined in the
	// remote space through any member.
	lastNameIndex int
	members       []ContextID
}

// Context is one remote execution context.
type Context struct {
	id      ContextID
	remote  uint32
	space   SpaceID
	creator bool
	state   State

	program wire.ProgramEncoding
	names   wire.NameEncoding
	format  wire.NumberFormat

	parent ContextID
	child  ContextID

	drawable uint32
	gc       uint32

	// lastNameIndex is the highest user name index this context's peer
	// has been told about; -1 for none.
	lastNameIndex int

	// waiting is non-nil exactly while an Await is outstanding.
	waiting *resultTable
	// output accumulates binary output until a whole record is in.
	output wire.Decoder

	handlers *Handlers
}

func (c *Context) encoder(table wire.NameIndexer) wire.Encoder {
	return wire.Encoder{Program: c.program, Names: c.names, Format: c.format, Table: table}
}

// Info is a snapshot of a context's attributes.
type Info struct {
	ID            ContextID
	Remote        uint32
	Space         SpaceID
	RemoteSpace   uint32
	Creator       bool
	State         State
	Program       wire.ProgramEncoding
	Names         wire.NameEncoding
	Format        wire.NumberFormat
	Parent        ContextID
	Child         ContextID
	LastNameIndex int
	Waiting       bool
}

// Info returns a snapshot of context id.
func (s *Session) Info(id ContextID) (Info, bool) {
	c, ok := s.contexts[id]
	if !ok {
		return Info{}, false
	}
	info := Info{
		ID:            c.id,
		Remote:        c.remote,
		Space:         c.space,
		Creator:       c.creator,
		State:         c.state,
		Program:       c.program,
		Names:         c.names,
		Format:        c.format,
		Parent:        c.parent,
		Child:         c.child,
		LastNameIndex: c.lastNameIndex,
		Waiting:       c.waiting != nil,
	}
	if space, ok := s.spaces[c.space]; ok {
		info.RemoteSpace = space.remote
	}
	return info, true
}

// Contexts returns the ids of every live context.
func (s *Session) Contexts() []ContextID {
	ids := make([]ContextID, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	return ids
}

// Lookup returns the local id of a remote context.
func (s *Session) Lookup(remote uint32) (ContextID, bool) {
	id, ok := s.byRemote[remote]
	return id, ok
}

func (s *Session) context(id ContextID) (*Context, error) {
	c, ok := s.contexts[id]
	if !ok {
		return nil, newError(InvalidAccess, id, "no such context")
	}
	return c, nil
}

// CreateOptions describes a new context.
type CreateOptions struct {
	// Space joins an existing space; zero creates a new one.
	Space SpaceID

	Drawable uint32
	GC       uint32
	// X and Y are the device origin within Drawable.
	X, Y int32

	// ColorCube and GrayRamp are the colormaps to render with. When
	// both are zero they come from the session's ColorAllocator.
	ColorCube channel.ColorMap
	GrayRamp  channel.ColorMap

	// Handlers overrides the session handlers for this context.
	Handlers *Handlers
}

// Create creates a remote context and registers it. Nothing is
// registered unless the peer creates the context.
func (s *Session) Create(ctx context.Context, options CreateOptions) (ContextID, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var space *Space
	if options.Space != 0 {
		existing, ok := s.spaces[options.Space]
		if !ok {
			return 0, newError(InvalidAccess, 0, "no such space %d", options.Space)
		}
		space = existing
	}
	cube, gray := options.ColorCube, options.GrayRamp
	if cube == (channel.ColorMap{}) && gray == (channel.ColorMap{}) && s.colors != nil {
		var err error
		cube, gray, err = s.colors.DefaultMaps(options.Drawable)
		if err != nil {
			return 0, fmt.Errorf("default colormaps for drawable %d: %w", options.Drawable, err)
		}
	}

	// The drawable and GC were made on the server; the agent must not
	// look for them before the server has them. Context zero stands
	// for the agent connection as a whole.
	if err := s.coordinator.Barrier(ctx, 0, s.barrier); err != nil {
		return 0, s.channelFailed(err)
	}
	if err := s.coordinator.Resume(0); err != nil {
		return 0, s.channelFailed(err)
	}

	request := channel.CreateContextRequest{
		Drawable:  options.Drawable,
		GC:        options.GC,
		X:         options.X,
		Y:         options.Y,
		ColorCube: cube,
		GrayRamp:  gray,
	}
	if space != nil {
		request.Space = space.remote
	}
	reply, err := s.call(ctx, s.target, 0, channel.OpCreateContext, request)
	if err != nil {
		return 0, fmt.Errorf("creating context: %w", err)
	}
	if _, taken := s.byRemote[reply.Context]; taken || reply.Context == 0 {
		return 0, s.poison(newError(Fatal, 0, "peer returned context id %d, which is zero or already registered", reply.Context))
	}

	if space == nil {
		space = s.addSpace(reply.Space, true)
	}
	c := s.addContext(reply.Context, space, true)
	c.drawable = options.Drawable
	c.gc = options.GC
	c.handlers = options.Handlers
	if options.GC != 0 {
		if _, tracked := s.gc.Values(options.GC); !tracked {
			s.gc.Track(options.GC, gstate.Values{})
		}
	}
	s.logger.Info("created context",
		"context", c.id, "remote", c.remote, "space", space.id, "remote_space", space.remote)
	return c.id, nil
}

// AttachByID registers a context some other client created. Attaching
// an already registered context returns its existing id. An attached
// context writes names as strings, since this session's name table
// means nothing to the context's owner, and it can never be waited on.
func (s *Session) AttachByID(ctx context.Context, remote uint32) (ContextID, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if id, ok := s.byRemote[remote]; ok {
		return id, nil
	}
	reply, err := s.call(ctx, s.target, 0, channel.OpCreateContextFromID, channel.ContextRequest{Context: remote})
	if err != nil {
		return 0, fmt.Errorf("attaching context %d: %w", remote, err)
	}
	space, ok := s.spaces[s.spaceRemote[reply.Space]]
	if !ok {
		space = s.addSpace(reply.Space, false)
	}
	c := s.addContext(remote, space, false)
	c.names = wire.StringNames
	s.logger.Info("attached context", "context", c.id, "remote", remote, "remote_space", reply.Space)
	return c.id, nil
}

func (s *Session) addSpace(remote uint32, creator bool) *Space {
	s.nextSpace++
	space := &Space{id: s.nextSpace, remote: remote, creator: creator, lastNameIndex: -1}
	s.spaces[space.id] = space
	s.spaceRemote[remote] = space.id
	return space
}

func (s *Session) addContext(remote uint32, space *Space, creator bool) *Context {
	s.nextContext++
	c := &Context{
		id:            s.nextContext,
		remote:        remote,
		space:         space.id,
		creator:       creator,
		state:         Active,
		program:       s.program,
		names:         s.nameEnc,
		format:        s.format,
		lastNameIndex: -1,
	}
	c.output.Names = s.names
	s.contexts[c.id] = c
	s.byRemote[remote] = c.id
	space.members = append(space.members, c.id)
	return c
}

// SetEncoding changes the program and name encodings of a context.
// Switching to indexed names takes effect at the next write, which
// first defines every name the peer has not seen.
func (s *Session) SetEncoding(id ContextID, program wire.ProgramEncoding, nameEncoding wire.NameEncoding) error {
	c, err := s.context(id)
	if err != nil {
		return err
	}
	if err := wire.CheckEncodings(program, nameEncoding); err != nil {
		return wrapError(EncodingCheck, id, err)
	}
	if !c.creator && nameEncoding == wire.Indexed {
		return newError(EncodingCheck, id, "an attached context cannot use indexed names")
	}
	c.program = program
	c.names = nameEncoding
	return nil
}

// SetNumberFormat changes the number format binary writes use.
func (s *Session) SetNumberFormat(id ContextID, format wire.NumberFormat) error {
	c, err := s.context(id)
	if err != nil {
		return err
	}
	if format != 0 && !format.Valid() {
		return newError(EncodingCheck, id, "invalid number format %d", format)
	}
	c.format = format
	return nil
}

// SetContextHandlers overrides the session handlers for one context.
// nil restores the session handlers.
func (s *Session) SetContextHandlers(id ContextID, handlers *Handlers) error {
	c, err := s.context(id)
	if err != nil {
		return err
	}
	c.handlers = handlers
	return nil
}

// Status asks the peer for a context's status. The answer also updates
// the context's local state.
func (s *Session) Status(ctx context.Context, id ContextID) (channel.Status, error) {
	c, err := s.context(id)
	if err != nil {
		return 0, err
	}
	if err := s.check(); err != nil {
		return 0, err
	}
	// A status query does not depend on drawable state: no barrier,
	// only the resume a paused context is owed.
	if err := s.coordinator.Resume(c.remote); err != nil {
		return 0, s.channelFailed(err)
	}
	reply, err := s.call(ctx, s.target, id, channel.OpGetStatus, channel.ContextRequest{Context: c.remote})
	if err != nil {
		return 0, err
	}
	s.applyStatus(c, reply.Status)
	return reply.Status, nil
}

func (s *Session) applyStatus(c *Context, status channel.Status) {
	switch status {
	case channel.StatusFrozen:
		if c.state == Active {
			c.state = Frozen
		}
	case channel.StatusZombie:
		if c.state != Destroyed {
			c.state = Zombie
		}
	case channel.StatusRunning, channel.StatusNeedsInput:
		if c.state == Frozen {
			c.state = Active
		}
	}
}

// Interrupt asks the interpreter to interrupt the context.
func (s *Session) Interrupt(id ContextID) error {
	return s.notify(id, channel.NotifyInterrupt)
}

// Terminate asks the interpreter to kill the context. The context
// stays registered until the peer reports it dead or it is destroyed.
func (s *Session) Terminate(id ContextID) error {
	return s.notify(id, channel.NotifyKill)
}

func (s *Session) notify(id ContextID, kind channel.NotifyKind) error {
	c, err := s.context(id)
	if err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}
	if c.state == Zombie {
		return newError(DeadContext, id, "cannot %s a dead context", kind)
	}
	if err := s.coordinator.Resume(c.remote); err != nil {
		return s.channelFailed(err)
	}
	if err := s.target.SendMessage(channel.OpNotify, channel.NotifyRequest{Context: c.remote, Kind: kind}); err != nil {
		return s.channelFailed(err)
	}
	return s.channelFailed(s.target.Flush())
}

// Reset discards a context's pending input. A frozen context is
// unfrozen first, and Reset waits with backoff until the peer reports
// it needs input or is dead; resetting a frozen interpreter without
// that wait races it.
func (s *Session) Reset(ctx context.Context, id ContextID) error {
	c, err := s.context(id)
	if err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}
	if c.state == Frozen {
		if err := s.target.SendMessage(channel.OpNotify, channel.NotifyRequest{Context: c.remote, Kind: channel.NotifyUnfreeze}); err != nil {
			return s.channelFailed(err)
		}
		// Unfreezing releases any pause the agent was holding.
		s.coordinator.Forget(c.remote)
		if err := s.awaitReady(ctx, c); err != nil {
			return err
		}
	}
	if c.state == Zombie {
		c.output.Reset()
		return nil
	}
	if _, err := s.call(ctx, s.target, id, channel.OpReset, channel.ContextRequest{Context: c.remote}); err != nil {
		return fmt.Errorf("resetting context %d: %w", id, err)
	}
	c.output.Reset()
	s.logger.Debug("reset context", "context", id)
	return nil
}

// awaitReady polls status until the context needs input or is dead,
// backing off between attempts.
func (s *Session) awaitReady(ctx context.Context, c *Context) error {
	backoff := s.reset.InitialBackoff
	for attempt := 1; ; attempt++ {
		status, err := s.Status(ctx, c.id)
		if err != nil {
			return err
		}
		if status == channel.StatusNeedsInput || status == channel.StatusZombie {
			return nil
		}
		if attempt >= s.reset.MaxAttempts {
			return fmt.Errorf("context %d still %s after %d status checks", c.id, status, attempt)
		}
		s.logger.Debug("waiting for unfrozen context", "context", c.id, "status", status, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(backoff):
		}
		backoff = min(backoff*2, s.reset.MaxBackoff)
	}
}

// Chain makes child receive every byte written to parent from now on,
// together with anything already chained below child. A child already
// below parent is kept after child's own chain.
func (s *Session) Chain(parent, child ContextID) error {
	p, err := s.context(parent)
	if err != nil {
		return err
	}
	c, err := s.context(child)
	if err != nil {
		return err
	}
	if c.parent != 0 {
		return newError(InvalidAccess, child, "already chained to context %d", c.parent)
	}
	for walk := c; walk != nil; walk = s.contexts[walk.child] {
		if walk.id == parent {
			return newError(InvalidAccess, child, "chaining below context %d would form a cycle", parent)
		}
	}
	if p.child != 0 {
		tail := c
		for tail.child != 0 {
			tail = s.contexts[tail.child]
		}
		previous := s.contexts[p.child]
		tail.child = previous.id
		previous.parent = tail.id
	}
	p.child = c.id
	c.parent = p.id
	return nil
}

// Unchain removes a context from whatever chain it is in, joining its
// parent and child.
func (s *Session) Unchain(id ContextID) error {
	c, err := s.context(id)
	if err != nil {
		return err
	}
	s.unchain(c)
	return nil
}

func (s *Session) unchain(c *Context) {
	parent := s.contexts[c.parent]
	child := s.contexts[c.child]
	if parent != nil {
		parent.child = c.child
	}
	if child != nil {
		child.parent = c.parent
	}
	c.parent, c.child = 0, 0
}

// chain returns id followed by every context chained below it.
func (s *Session) chain(id ContextID) []*Context {
	var members []*Context
	for c := s.contexts[id]; c != nil; c = s.contexts[c.child] {
		members = append(members, c)
	}
	return members
}

// Destroy unchains a context, drops its buffered output, kills it
// remotely if this session created it, and unregisters it. Destroying
// the last member of a space this session created destroys the remote
// space too. Destroying a context being waited on ends that wait with
// a dead-context error.
func (s *Session) Destroy(id ContextID) error {
	c, err := s.context(id)
	if err != nil {
		return err
	}
	zombie := c.state == Zombie
	s.unchain(c)
	c.output.Reset()
	c.state = Destroyed
	delete(s.contexts, id)
	delete(s.byRemote, c.remote)
	s.coordinator.Forget(c.remote)

	var errs []error
	// A zombie is already dead on the peer.
	if c.creator && !zombie && s.fatal == nil {
		if err := s.target.SendMessage(channel.OpNotify, channel.NotifyRequest{Context: c.remote, Kind: channel.NotifyKill}); err != nil {
			errs = append(errs, s.channelFailed(err))
		}
	}
	if space, ok := s.spaces[c.space]; ok {
		for i, member := range space.members {
			if member == id {
				space.members = append(space.members[:i], space.members[i+1:]...)
				break
			}
		}
		if len(space.members) == 0 {
			delete(s.spaces, space.id)
			delete(s.spaceRemote, space.remote)
			if space.creator && s.fatal == nil {
				if err := s.target.SendMessage(channel.OpDestroySpace, channel.SpaceRequest{Space: space.remote}); err != nil {
					errs = append(errs, s.channelFailed(err))
				}
			}
		}
	}
	if s.fatal == nil {
		if err := s.target.Flush(); err != nil {
			errs = append(errs, s.channelFailed(err))
		}
	}
	s.logger.Info("destroyed context", "context", id, "remote", c.remote)
	return errors.Join(errs...)
}

// Space returns the space of a context.
func (s *Session) Space(id ContextID) (SpaceID, error) {
	c, err := s.context(id)
	if err != nil {
		return 0, err
	}
	return c.space, nil
}

// Members returns the contexts of a space.
func (s *Session) Members(space SpaceID) []ContextID {
	sp, ok := s.spaces[space]
	if !ok {
		return nil
	}
	return append([]ContextID(nil), sp.members...)
}

// SetGC changes tracked attributes of the GC a context draws through.
// Under the deferred policy the change is sent before the context's
// next write.
func (s *Session) SetGC(id ContextID, mask uint32, values gstate.Values) error {
	c, err := s.context(id)
	if err != nil {
		return err
	}
	if c.gc == 0 {
		return newError(InvalidAccess, id, "context has no gc")
	}
	if _, err := s.gc.Set(c.gc, mask, values); err != nil {
		return s.channelFailed(err)
	}
	return nil
}

// barrierFor returns the barrier policy for a write to c.
func (s *Session) barrierFor(*Context) coord.Policy {
	if !s.coordinator.Active() {
		return coord.PolicyNone
	}
	return s.barrier
}
