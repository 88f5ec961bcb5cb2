// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"

	"github.com/dpsx-project/dpsx/lib/codec"
)

// Control bodies. Every non-raw frame payload is one of these, encoded
// with lib/codec.

// InitRequest opens a session.
type InitRequest struct {
	Version uint32 `cbor:"v"`
	Flags   uint32 `cbor:"f,omitempty"`
	Display string `cbor:"d"`
}

// InitReply answers InitRequest. On success the peer reports its
// version, the number format it prefers, and the name its
// floating-point representation goes by. On failure it reports its
// version and a reason.
type InitReply struct {
	Success      bool   `cbor:"ok"`
	Version      uint32 `cbor:"v"`
	NumberFormat uint8  `cbor:"nf,omitempty"`
	FloatingName string `cbor:"fp,omitempty"`
	Reason       string `cbor:"r,omitempty"`
}

// ColorMap describes a standard colormap: a color cube or, with only
// the red fields set, a gray ramp.
type ColorMap struct {
	Colormap  uint32 `cbor:"cmap"`
	RedMax    uint32 `cbor:"rmax"`
	RedMult   uint32 `cbor:"rmul"`
	GreenMax  uint32 `cbor:"gmax,omitempty"`
	GreenMult uint32 `cbor:"gmul,omitempty"`
	BlueMax   uint32 `cbor:"bmax,omitempty"`
	BlueMult  uint32 `cbor:"bmul,omitempty"`
	BasePixel uint32 `cbor:"base"`
}

// CreateContextRequest asks for a new context drawing into Drawable
// through GC. Space zero asks for a new space.
type CreateContextRequest struct {
	Space     uint32   `cbor:"space,omitempty"`
	Drawable  uint32   `cbor:"drawable"`
	GC        uint32   `cbor:"gc"`
	X         int32    `cbor:"x"`
	Y         int32    `cbor:"y"`
	ColorCube ColorMap `cbor:"cube"`
	GrayRamp  ColorMap `cbor:"gray"`
}

// ContextRequest addresses one context.
type ContextRequest struct {
	Context uint32 `cbor:"ctx"`
}

// SpaceRequest addresses one space.
type SpaceRequest struct {
	Space uint32 `cbor:"space"`
}

// NotifyKind selects what OpNotify does.
type NotifyKind uint8

const (
	NotifyInterrupt NotifyKind = 1
	NotifyKill      NotifyKind = 2
	NotifyUnfreeze  NotifyKind = 3
)

func (k NotifyKind) String() string {
	switch k {
	case NotifyInterrupt:
		return "interrupt"
	case NotifyKill:
		return "kill"
	case NotifyUnfreeze:
		return "unfreeze"
	default:
		return fmt.Sprintf("notify(%d)", uint8(k))
	}
}

// NotifyRequest sends a notification to a context.
type NotifyRequest struct {
	Context uint32     `cbor:"ctx"`
	Kind    NotifyKind `cbor:"kind"`
}

// GC attribute bits used in ChangeGC.Mask.
const (
	GCPlaneMask     uint32 = 1 << 1
	GCSubwindowMode uint32 = 1 << 15
	GCClipXOrigin   uint32 = 1 << 17
	GCClipYOrigin   uint32 = 1 << 18
	GCClipMask      uint32 = 1 << 19
	// GCRects tells the peer the clip is a rectangle list rather than
	// a bitmap. It has no counterpart field.
	GCRects uint32 = 1 << 31
)

// ChangeGC updates the attributes of GC named in Mask. Fields outside
// the mask are ignored.
type ChangeGC struct {
	GC            uint32 `cbor:"gc"`
	Mask          uint32 `cbor:"mask"`
	PlaneMask     uint32 `cbor:"planes,omitempty"`
	SubwindowMode uint8  `cbor:"subwin,omitempty"`
	ClipXOrigin   int32  `cbor:"clipx,omitempty"`
	ClipYOrigin   int32  `cbor:"clipy,omitempty"`
	ClipMask      uint32 `cbor:"clip,omitempty"`
}

// PauseRequest holds a context on the agent until a resume with the
// same sequence number arrives.
type PauseRequest struct {
	Context uint32 `cbor:"ctx"`
	Seq     uint32 `cbor:"seq"`
}

// SyncRequest asks the agent to echo Token back as an out-of-band
// SyncEcho message.
type SyncRequest struct {
	Context uint32 `cbor:"ctx"`
	Token   uint32 `cbor:"token"`
	// Window is where the echo is addressed.
	Window uint32 `cbor:"win"`
}

// MessageKind identifies an out-of-band client message.
type MessageKind uint8

const (
	MessageResume   MessageKind = 1
	MessageSyncEcho MessageKind = 2
)

func (k MessageKind) String() string {
	switch k {
	case MessageResume:
		return "resume"
	case MessageSyncEcho:
		return "sync-echo"
	default:
		return fmt.Sprintf("message(%d)", uint8(k))
	}
}

// ClientMessage is a window-addressed out-of-band message. Resume
// messages travel client to agent; sync echoes travel agent to client.
type ClientMessage struct {
	Window  uint32      `cbor:"win"`
	Kind    MessageKind `cbor:"kind"`
	Context uint32      `cbor:"ctx"`
	Seq     uint32      `cbor:"seq"`
}

// Status is a context's execution status as reported by the peer.
type Status uint8

const (
	StatusRunning    Status = 1
	StatusNeedsInput Status = 2
	StatusFrozen     Status = 3
	StatusZombie     Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusNeedsInput:
		return "needs-input"
	case StatusFrozen:
		return "frozen"
	case StatusZombie:
		return "zombie"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Reply answers a request. Serial is the request's position in the
// channel's request count. Error is set when the request failed.
type Reply struct {
	Serial  uint64 `cbor:"s"`
	Error   string `cbor:"e,omitempty"`
	Context uint32 `cbor:"ctx,omitempty"`
	Space   uint32 `cbor:"space,omitempty"`
	Status  Status `cbor:"st,omitempty"`
}

// StatusEvent reports a context status change.
type StatusEvent struct {
	Context uint32 `cbor:"ctx"`
	Status  Status `cbor:"st"`
}

// ReadyEvent carries an application-defined ready signal.
type ReadyEvent struct {
	Context uint32  `cbor:"ctx"`
	Data    []int32 `cbor:"data,omitempty"`
}

// ErrorEvent reports an error the peer detected for a context.
type ErrorEvent struct {
	Context uint32 `cbor:"ctx"`
	Message string `cbor:"msg"`
}

// Output kinds, the byte after the context id of an OpOutput payload.
const (
	OutputText   byte = 0
	OutputBinary byte = 1
)

// Output is a decoded OpOutput payload.
type Output struct {
	Context uint32
	Kind    byte
	Data    []byte
}

// OutputPayload builds an OpOutput payload.
func OutputPayload(context uint32, kind byte, data []byte) []byte {
	return ContextPayload(context, append([]byte{kind}, data...))
}

// ParseOutput splits an OpOutput payload.
func ParseOutput(payload []byte) (Output, error) {
	context, rest, err := SplitContextPayload(payload)
	if err != nil {
		return Output{}, err
	}
	if len(rest) == 0 {
		return Output{}, fmt.Errorf("%w: output for context %d has no kind byte", ErrProtocol, context)
	}
	if rest[0] != OutputText && rest[0] != OutputBinary {
		return Output{}, fmt.Errorf("%w: output kind %d", ErrProtocol, rest[0])
	}
	return Output{Context: context, Kind: rest[0], Data: rest[1:]}, nil
}

// Decode decodes a control frame body into v.
func (f Frame) Decode(v any) error {
	if f.Op.Raw() {
		return fmt.Errorf("%w: %s carries raw bytes, not a body", ErrProtocol, f.Op)
	}
	if err := codec.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s body: %v", ErrProtocol, f.Op, err)
	}
	return nil
}

// NewFrame encodes body as a control frame.
func NewFrame(op Opcode, body any) (Frame, error) {
	payload, err := codec.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s body: %w", op, err)
	}
	return Frame{Op: op, Payload: payload}, nil
}
