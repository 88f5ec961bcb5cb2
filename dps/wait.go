// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package dps

import (
	"context"
	"errors"
	"fmt"

	"github.com/dpsx-project/dpsx/wire"
)

// SlotKind is the type a result slot accepts.
type SlotKind uint8

const (
	// SlotAny accepts any object unchanged.
	SlotAny SlotKind = iota
	SlotBool
	// SlotInt accepts integers.
	SlotInt
	// SlotReal accepts reals and integers, stored as reals.
	SlotReal
	// SlotString accepts strings and names, stored as strings.
	SlotString
)

func (k SlotKind) String() string {
	switch k {
	case SlotAny:
		return "any"
	case SlotBool:
		return "bool"
	case SlotInt:
		return "int"
	case SlotReal:
		return "real"
	case SlotString:
		return "string"
	default:
		return fmt.Sprintf("slot(%d)", uint8(k))
	}
}

// Slot receives one result. A record object tagged i fills slot i.
type Slot struct {
	Kind SlotKind
	// Count is zero for a single value. Otherwise the slot takes an
	// array of at most Count elements, each of Kind.
	Count int

	// Value and Filled are set by Await.
	Value  wire.Value
	Filled bool
}

// accept converts v for the slot, reporting false when it does not fit.
func (slot *Slot) accept(v wire.Value) (wire.Value, bool) {
	if slot.Count == 0 {
		return convertScalar(slot.Kind, v)
	}
	if v.Kind != wire.KindArray || len(v.Elems) > slot.Count {
		return wire.Value{}, false
	}
	elems := make([]wire.Value, len(v.Elems))
	for i, elem := range v.Elems {
		converted, ok := convertScalar(slot.Kind, elem)
		if !ok {
			return wire.Value{}, false
		}
		elems[i] = converted
	}
	return wire.Value{Kind: wire.KindArray, Exec: v.Exec, Elems: elems}, true
}

func convertScalar(kind SlotKind, v wire.Value) (wire.Value, bool) {
	switch kind {
	case SlotAny:
		return detach(v), true
	case SlotBool:
		return v, v.Kind == wire.KindBool
	case SlotInt:
		return v, v.Kind == wire.KindInt
	case SlotReal:
		switch v.Kind {
		case wire.KindReal:
			return v, true
		case wire.KindInt:
			return wire.Value{Kind: wire.KindReal, Real: float64(v.Int), Wide: v.Wide}, true
		}
	case SlotString:
		switch v.Kind {
		case wire.KindString:
			return wire.Bytes(append([]byte(nil), v.Bytes...)), true
		case wire.KindName:
			return wire.String(v.Name), true
		}
	}
	return wire.Value{}, false
}

// detach copies everything in v that aliases decoder storage.
func detach(v wire.Value) wire.Value {
	switch v.Kind {
	case wire.KindString:
		v.Bytes = append([]byte(nil), v.Bytes...)
	case wire.KindArray:
		elems := make([]wire.Value, len(v.Elems))
		for i, elem := range v.Elems {
			elems[i] = detach(elem)
		}
		v.Elems = elems
	}
	return v
}

// resultTable is the state of one outstanding Await.
type resultTable struct {
	slots []Slot
	// done is set when the sentinel tag arrives.
	done bool
	// err is the first tag or type mismatch seen.
	err error
}

// deliver fills slots from one output record. The tag len(slots) ends
// the wait. After a mismatch the rest of the record fills nothing, but
// a sentinel later in it still ends the wait.
func (t *resultTable) deliver(id ContextID, record wire.Record) {
	discarding := false
	for i, object := range record.Objects {
		tag := int(record.Tags[i])
		switch {
		case tag == len(t.slots):
			t.done = true
			return
		case discarding:
			continue
		case tag > len(t.slots):
			t.fail(newError(ResultTagCheck, id, "result tag %d outside %d slots", tag, len(t.slots)))
			discarding = true
			continue
		}
		slot := &t.slots[tag]
		value, ok := slot.accept(object)
		if !ok {
			t.fail(newError(ResultTypeCheck, id, "result %d: %s does not fit a %s slot", tag, object.Kind, slot.Kind))
			discarding = true
			continue
		}
		slot.Value = value
		slot.Filled = true
	}
}

func (t *resultTable) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

// Await flushes the session and pumps events until the context reports
// every result in slots, then returns. The context's program must end
// by writing an object tagged len(slots). Objects tagged below that
// fill the slot with the same index.
//
// The wait ends early when the context dies or is destroyed
// (DeadContext), when the session fails (ClosedConnection), or when ctx
// ends. A tag or type mismatch does not end it: later results in that
// record are discarded and the mismatch is returned once the sentinel
// arrives, in the same record or a later one.
// Events for other contexts are dispatched while waiting, and their
// handlers may use the session, except to wait on this same context
// (RecursiveWait). Only a context this session created can be waited on
// (InvalidAccess).
func (s *Session) Await(ctx context.Context, id ContextID, slots []Slot) error {
	c, err := s.context(id)
	if err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}
	if !c.creator {
		return newError(InvalidAccess, id, "cannot wait on a context this session did not create")
	}
	if c.state == Zombie {
		return newError(DeadContext, id, "cannot wait on a dead context")
	}
	if c.waiting != nil {
		return newError(RecursiveWait, id, "a wait on this context is already outstanding")
	}
	if len(slots) > 255 {
		return newError(ResultTagCheck, id, "%d slots do not fit one-byte tags", len(slots))
	}
	for i := range slots {
		slots[i].Value = wire.Value{}
		slots[i].Filled = false
	}

	table := &resultTable{slots: slots}
	c.waiting = table
	defer func() { c.waiting = nil }()

	if err := s.coordinator.Resume(c.remote); err != nil {
		return s.channelFailed(err)
	}
	if err := s.Flush(); err != nil {
		return err
	}

	dead := false
	err = s.Pump(ctx, func() bool {
		if table.done {
			return true
		}
		if c.state == Zombie || c.state == Destroyed {
			dead = true
			return true
		}
		return false
	})
	switch {
	case err != nil:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return s.channelFailed(err)
	case dead:
		return newError(DeadContext, id, "context died while waiting for results")
	}
	return table.err
}
