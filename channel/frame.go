// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcode identifies a frame. Opcodes below 0x80 travel from client to
// peer; 0x80 and above travel from peer to client. ClientMessage is
// the one opcode used in both directions.
type Opcode uint8

const (
	// OpInit opens a session. Body: [InitRequest].
	OpInit Opcode = 0x01
	// OpCreateContext creates a remote context. Body:
	// [CreateContextRequest]; answered by a [Reply].
	OpCreateContext Opcode = 0x02
	// OpCreateContextFromID registers an existing remote context.
	// Body: [ContextRequest]; answered by a [Reply].
	OpCreateContextFromID Opcode = 0x03
	// OpGiveInput carries program bytes: [context u32][bytes].
	OpGiveInput Opcode = 0x04
	// OpGetStatus asks for a context's status. Body: [ContextRequest];
	// answered by a [Reply].
	OpGetStatus Opcode = 0x05
	// OpNotify interrupts, kills, or unfreezes a context. Body:
	// [NotifyRequest].
	OpNotify Opcode = 0x06
	// OpReset discards a context's pending input. Body:
	// [ContextRequest].
	OpReset Opcode = 0x07
	// OpDestroySpace releases a remote space. Body: [SpaceRequest].
	OpDestroySpace Opcode = 0x08
	// OpChangeGC updates graphics state. Body: [ChangeGC].
	OpChangeGC Opcode = 0x09
	// OpPause holds an agent context until a matching resume. Body:
	// [PauseRequest]. Agent channel only.
	OpPause Opcode = 0x0A
	// OpSyncRequest asks the agent to echo a token. Body:
	// [SyncRequest]. Agent channel only.
	OpSyncRequest Opcode = 0x0B
	// OpClientMessage is a window-addressed out-of-band message. Body:
	// [ClientMessage].
	OpClientMessage Opcode = 0x0C

	// OpInitReply answers OpInit. Body: [InitReply].
	OpInitReply Opcode = 0x81
	// OpReply answers a request. Body: [Reply].
	OpReply Opcode = 0x82
	// OpOutput carries context output: [context u32][kind u8][bytes].
	OpOutput Opcode = 0x83
	// OpStatusEvent reports a status change. Body: [StatusEvent].
	OpStatusEvent Opcode = 0x84
	// OpReadyEvent reports an application-defined ready signal. Body:
	// [ReadyEvent].
	OpReadyEvent Opcode = 0x85
	// OpErrorEvent reports a peer-side error. Body: [ErrorEvent].
	OpErrorEvent Opcode = 0x86
)

var opcodeNames = map[Opcode]string{
	OpInit:                "init",
	OpCreateContext:       "create-context",
	OpCreateContextFromID: "create-context-from-id",
	OpGiveInput:           "give-input",
	OpGetStatus:           "get-status",
	OpNotify:              "notify",
	OpReset:               "reset",
	OpDestroySpace:        "destroy-space",
	OpChangeGC:            "change-gc",
	OpPause:               "pause",
	OpSyncRequest:         "sync-request",
	OpClientMessage:       "client-message",
	OpInitReply:           "init-reply",
	OpReply:               "reply",
	OpOutput:              "output",
	OpStatusEvent:         "status-event",
	OpReadyEvent:          "ready-event",
	OpErrorEvent:          "error-event",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(0x%02x)", uint8(o))
}

// Raw reports whether the opcode's payload is raw bytes behind a
// context id rather than a CBOR body.
func (o Opcode) Raw() bool { return o == OpGiveInput || o == OpOutput }

// Frame layout: [opcode u8][payload length u32 big-endian][payload].
const (
	frameHeaderLength = 5

	// MaxFrameLength bounds a single payload. A larger declared length
	// means the stream is corrupt.
	MaxFrameLength = 16 * 1024 * 1024

	contextPrefixLength = 4
)

// ErrProtocol reports a frame stream that cannot be parsed. The
// channel is unusable afterwards since there is no way to resync.
var ErrProtocol = errors.New("channel: protocol error")

// Frame is one opcode with its payload.
type Frame struct {
	Op      Opcode
	Payload []byte
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, frame Frame) []byte {
	var header [frameHeaderLength]byte
	header[0] = byte(frame.Op)
	binary.BigEndian.PutUint32(header[1:], uint32(len(frame.Payload)))
	dst = append(dst, header[:]...)
	return append(dst, frame.Payload...)
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > MaxFrameLength {
		return fmt.Errorf("%w: %s payload of %d bytes exceeds maximum %d", ErrProtocol, frame.Op, len(frame.Payload), MaxFrameLength)
	}
	if _, err := w.Write(AppendFrame(nil, frame)); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Op, err)
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxFrameLength {
		return Frame{}, fmt.Errorf("%w: payload length %d exceeds maximum %d", ErrProtocol, length, MaxFrameLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read %s payload: %w", Opcode(header[0]), err)
	}
	return Frame{Op: Opcode(header[0]), Payload: payload}, nil
}

// parseFrame parses the frame at the start of b. It returns the number
// of bytes consumed, or zero when b does not yet hold a whole frame.
// The payload is copied so b can be reused.
func parseFrame(b []byte) (Frame, int, error) {
	if len(b) < frameHeaderLength {
		return Frame{}, 0, nil
	}
	length := binary.BigEndian.Uint32(b[1:frameHeaderLength])
	if length > MaxFrameLength {
		return Frame{}, 0, fmt.Errorf("%w: payload length %d exceeds maximum %d", ErrProtocol, length, MaxFrameLength)
	}
	total := frameHeaderLength + int(length)
	if len(b) < total {
		return Frame{}, 0, nil
	}
	payload := make([]byte, length)
	copy(payload, b[frameHeaderLength:total])
	return Frame{Op: Opcode(b[0]), Payload: payload}, total, nil
}

// ContextPayload builds the payload of a raw frame addressed to a
// context.
func ContextPayload(context uint32, data []byte) []byte {
	payload := make([]byte, contextPrefixLength, contextPrefixLength+len(data))
	binary.BigEndian.PutUint32(payload, context)
	return append(payload, data...)
}

// SplitContextPayload splits a raw payload into its context id and
// data.
func SplitContextPayload(payload []byte) (uint32, []byte, error) {
	if len(payload) < contextPrefixLength {
		return 0, nil, fmt.Errorf("%w: raw payload of %d bytes has no context id", ErrProtocol, len(payload))
	}
	return binary.BigEndian.Uint32(payload), payload[contextPrefixLength:], nil
}
