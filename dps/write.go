// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package dps

import (
	"context"

	"github.com/dpsx-project/dpsx/gstate"
	"github.com/dpsx-project/dpsx/wire"
)

// Write sends program bytes to a context and to every context chained
// below it, in chain order. The bytes must already be in the context's
// program encoding. A dead context refuses the write; a dead context
// further down the chain is skipped.
//
// The chain is read once up front, so handlers run by an operation
// inside the write cannot change which contexts receive these bytes.
func (s *Session) Write(ctx context.Context, id ContextID, data []byte) error {
	members, err := s.writeTargets(id)
	if err != nil {
		return err
	}
	for _, member := range members {
		if err := s.prepareWrite(ctx, member); err != nil {
			return err
		}
		if member.names == wire.Indexed {
			if err := s.syncNames(member); err != nil {
				return err
			}
		}
		if err := s.target.SendInput(member.remote, data); err != nil {
			return s.channelFailed(err)
		}
	}
	return nil
}

// WriteValues encodes values for each member of the chain in that
// member's own encodings and sends them. Names new to the session are
// interned during encoding and defined to each member before its
// bytes.
func (s *Session) WriteValues(ctx context.Context, id ContextID, values ...wire.Value) error {
	members, err := s.writeTargets(id)
	if err != nil {
		return err
	}
	for _, member := range members {
		encoded, err := member.encoder(s.names).Encode(values...)
		if err != nil {
			return wrapError(EncodingCheck, member.id, err)
		}
		if err := s.prepareWrite(ctx, member); err != nil {
			return err
		}
		if member.names == wire.Indexed {
			if err := s.syncNames(member); err != nil {
				return err
			}
		}
		if err := s.target.SendInput(member.remote, encoded); err != nil {
			return s.channelFailed(err)
		}
	}
	return nil
}

// writeTargets resolves the live members of id's chain.
func (s *Session) writeTargets(id ContextID) ([]*Context, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	c, err := s.context(id)
	if err != nil {
		return nil, err
	}
	if c.state == Zombie {
		return nil, newError(DeadContext, id, "write to a dead context")
	}
	var members []*Context
	for _, member := range s.chain(id) {
		if member.state == Zombie {
			s.logger.Debug("skipping dead context in chain", "context", member.id, "head", id)
			continue
		}
		members = append(members, member)
	}
	return members, nil
}

// prepareWrite orders everything a write to c could observe ahead of
// it: pending graphics state, then the barrier and resume the agent
// needs.
func (s *Session) prepareWrite(ctx context.Context, c *Context) error {
	if c.gc != 0 && s.gc.Policy() == gstate.Deferred {
		flushed, err := s.gc.Flush(c.gc)
		if err != nil {
			return s.channelFailed(err)
		}
		if flushed && s.coordinator.Active() {
			if err := s.coordinator.Sync(ctx, c.remote); err != nil {
				return s.channelFailed(err)
			}
		}
	}
	if err := s.coordinator.Barrier(ctx, c.remote, s.barrierFor(c)); err != nil {
		return s.channelFailed(err)
	}
	if err := s.coordinator.Resume(c.remote); err != nil {
		return s.channelFailed(err)
	}
	return nil
}

// FlushContext writes everything buffered for a context. Contexts share
// their channel's buffer, so this flushes the whole session.
func (s *Session) FlushContext(id ContextID) error {
	if _, err := s.context(id); err != nil {
		return err
	}
	return s.Flush()
}
