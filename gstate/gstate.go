// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package gstate caches the GC attributes a context draws through and
// sends only what changed.
//
// Each tracked GC keeps the values last sent to the display server and
// a dirty mask of attributes that differ. A flush sends one ChangeGC
// naming the dirty attributes, always with the clip mask and the rects
// flag added, and clears the mask. Under [Eager] every change flushes
// at once; under [Deferred] changes accumulate until the session
// flushes before the next write that could observe them.
package gstate

import (
	"fmt"
	"log/slog"

	"github.com/dpsx-project/dpsx/channel"
)

// Tracked is the set of attributes the cache manages.
const Tracked = channel.GCPlaneMask | channel.GCSubwindowMode | channel.GCClipXOrigin | channel.GCClipYOrigin | channel.GCClipMask

// always accompanies every change record.
const always = channel.GCClipMask | channel.GCRects

// Values holds the tracked attributes of one GC.
type Values struct {
	PlaneMask     uint32
	SubwindowMode uint8
	ClipXOrigin   int32
	ClipYOrigin   int32
	ClipMask      uint32
}

// FlushPolicy selects when changes are sent.
type FlushPolicy uint8

const (
	Eager FlushPolicy = iota
	Deferred
)

func (p FlushPolicy) String() string {
	switch p {
	case Eager:
		return "eager"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("flush(%d)", uint8(p))
	}
}

// ParseFlushPolicy parses a configuration value.
func ParseFlushPolicy(s string) (FlushPolicy, error) {
	switch s {
	case "eager":
		return Eager, nil
	case "deferred", "":
		return Deferred, nil
	default:
		return 0, fmt.Errorf("unknown gc flush policy %q (want eager or deferred)", s)
	}
}

// Sender buffers a control message. [*channel.Channel] implements it.
type Sender interface {
	SendMessage(op channel.Opcode, body any) error
}

type entry struct {
	current Values
	sent    Values
	dirty   uint32
}

// Cache tracks GCs by id. It is owned by the session's goroutine.
type Cache struct {
	sender Sender
	policy FlushPolicy
	logger *slog.Logger
	gcs    map[uint32]*entry
}

// New returns a cache sending change records through sender.
func New(sender Sender, policy FlushPolicy, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		sender: sender,
		policy: policy,
		logger: logger,
		gcs:    make(map[uint32]*entry),
	}
}

// Policy returns the flush policy.
func (c *Cache) Policy() FlushPolicy { return c.policy }

// Track starts tracking gc, whose values on the server are known to be
// sent. Tracking an already tracked GC resets it.
func (c *Cache) Track(gc uint32, sent Values) {
	c.gcs[gc] = &entry{current: sent, sent: sent}
}

// Forget stops tracking gc.
func (c *Cache) Forget(gc uint32) { delete(c.gcs, gc) }

// Values returns the current local values of gc.
func (c *Cache) Values(gc uint32) (Values, bool) {
	e, ok := c.gcs[gc]
	if !ok {
		return Values{}, false
	}
	return e.current, true
}

// Dirty returns the dirty mask of gc.
func (c *Cache) Dirty(gc uint32) uint32 {
	if e, ok := c.gcs[gc]; ok {
		return e.dirty
	}
	return 0
}

// Set changes the attributes of gc named in mask. An attribute set back
// to its last sent value is no longer dirty; the clip mask is dirty
// whenever it is set, since the same id may name a changed bitmap.
// Under the eager policy the change is flushed before Set returns, and
// flushed reports whether a record was sent.
func (c *Cache) Set(gc uint32, mask uint32, values Values) (flushed bool, err error) {
	if mask&^Tracked != 0 {
		return false, fmt.Errorf("gstate: attribute mask %#x names untracked attributes", mask&^Tracked)
	}
	e, ok := c.gcs[gc]
	if !ok {
		return false, fmt.Errorf("gstate: gc %d is not tracked", gc)
	}
	if mask&channel.GCPlaneMask != 0 {
		e.current.PlaneMask = values.PlaneMask
		e.mark(channel.GCPlaneMask, e.current.PlaneMask != e.sent.PlaneMask)
	}
	if mask&channel.GCSubwindowMode != 0 {
		e.current.SubwindowMode = values.SubwindowMode
		e.mark(channel.GCSubwindowMode, e.current.SubwindowMode != e.sent.SubwindowMode)
	}
	if mask&channel.GCClipXOrigin != 0 {
		e.current.ClipXOrigin = values.ClipXOrigin
		e.mark(channel.GCClipXOrigin, e.current.ClipXOrigin != e.sent.ClipXOrigin)
	}
	if mask&channel.GCClipYOrigin != 0 {
		e.current.ClipYOrigin = values.ClipYOrigin
		e.mark(channel.GCClipYOrigin, e.current.ClipYOrigin != e.sent.ClipYOrigin)
	}
	if mask&channel.GCClipMask != 0 {
		e.current.ClipMask = values.ClipMask
		e.mark(channel.GCClipMask, true)
	}
	if c.policy == Eager {
		return c.Flush(gc)
	}
	return false, nil
}

func (e *entry) mark(bit uint32, dirty bool) {
	if dirty {
		e.dirty |= bit
	} else {
		e.dirty &^= bit
	}
}

// Flush sends one change record for the dirty attributes of gc, plus
// the clip mask and the rects flag, and clears the dirty mask. It
// reports whether anything was sent; a clean GC sends nothing.
func (c *Cache) Flush(gc uint32) (bool, error) {
	e, ok := c.gcs[gc]
	if !ok || e.dirty == 0 {
		return false, nil
	}
	mask := e.dirty | always
	change := channel.ChangeGC{GC: gc, Mask: mask, ClipMask: e.current.ClipMask}
	if mask&channel.GCPlaneMask != 0 {
		change.PlaneMask = e.current.PlaneMask
	}
	if mask&channel.GCSubwindowMode != 0 {
		change.SubwindowMode = e.current.SubwindowMode
	}
	if mask&channel.GCClipXOrigin != 0 {
		change.ClipXOrigin = e.current.ClipXOrigin
	}
	if mask&channel.GCClipYOrigin != 0 {
		change.ClipYOrigin = e.current.ClipYOrigin
	}
	if err := c.sender.SendMessage(channel.OpChangeGC, change); err != nil {
		return false, fmt.Errorf("flushing gc %d: %w", gc, err)
	}
	c.logger.Debug("flushed gc", "gc", gc, "mask", fmt.Sprintf("%#x", mask))
	e.sent = e.current
	e.dirty = 0
	return true, nil
}

// FlushAll flushes every dirty GC and reports whether anything was
// sent.
func (c *Cache) FlushAll() (bool, error) {
	sent := false
	for gc := range c.gcs {
		flushed, err := c.Flush(gc)
		if err != nil {
			return sent, err
		}
		sent = sent || flushed
	}
	return sent, nil
}
