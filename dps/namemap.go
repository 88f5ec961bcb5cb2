// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package dps

import (
	"fmt"

	"github.com/dpsx-project/dpsx/wire"
)

// syncNames brings the peer of c up to date with the session's name
// table before an indexed write: every index it has not been told
// about is defined, in ascending order, with "index /name
// defineusername". Definitions already made in the context's space
// through another member are not repeated, since the space shares one
// name table and the members share one connection.
//
// The definitions themselves carry names as strings, so they never
// depend on an index the peer does not know.
func (s *Session) syncNames(c *Context) error {
	last := s.names.Last()
	if c.lastNameIndex >= last {
		return nil
	}
	space := s.spaces[c.space]
	from := c.lastNameIndex
	if space != nil && space.lastNameIndex > from {
		from = space.lastNameIndex
	}
	if from < last {
		encoder := wire.Encoder{Program: c.program, Names: wire.StringNames, Format: c.format}
		var definitions []wire.Value
		err := s.names.Range(from, last, func(index int, name string) error {
			definitions = append(definitions, wire.Int(int32(index)), wire.LitName(name), wire.ExecName("defineusername"))
			return nil
		})
		if err != nil {
			return wrapError(Fatal, c.id, err)
		}
		encoded, err := encoder.Encode(definitions...)
		if err != nil {
			return wrapError(EncodingCheck, c.id, fmt.Errorf("encoding name definitions: %w", err))
		}
		if err := s.target.SendInput(c.remote, encoded); err != nil {
			return s.channelFailed(err)
		}
		s.logger.Debug("defined user names", "context", c.id, "from", from+1, "through", last)
	}
	c.lastNameIndex = last
	if space != nil && space.lastNameIndex < last {
		space.lastNameIndex = last
	}
	return nil
}
