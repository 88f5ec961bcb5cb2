// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package dps_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/channel/channeltest"
	"github.com/dpsx-project/dpsx/coord"
	"github.com/dpsx-project/dpsx/dps"
	"github.com/dpsx-project/dpsx/gstate"
	"github.com/dpsx-project/dpsx/lib/clock"
	"github.com/dpsx-project/dpsx/wire"
)

const (
	agentWindow  = 0x400001
	clientWindow = 0x200001
)

// host is a scripted peer that hosts contexts. Remote context ids start
// at 11 and new remote spaces at 101.
type host struct {
	mu          sync.Mutex
	nextContext uint32
	nextSpace   uint32
	failCreate  int
	statuses    []channel.Status
	// input, if set, runs for every GiveInput frame.
	input func(peer *channeltest.Peer, remote uint32, data []byte)
}

func (h *host) handle(peer *channeltest.Peer, request channeltest.Request) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch request.Op {
	case channel.OpCreateContext:
		var body channel.CreateContextRequest
		if err := request.Decode(&body); err != nil {
			return false
		}
		if h.failCreate > 0 {
			h.failCreate--
			peer.Reply(request, channel.Reply{Error: "bad drawable"})
			return true
		}
		h.nextContext++
		space := body.Space
		if space == 0 {
			h.nextSpace++
			space = 100 + h.nextSpace
		}
		peer.Reply(request, channel.Reply{Context: 10 + h.nextContext, Space: space})
		return true
	case channel.OpCreateContextFromID:
		var body channel.ContextRequest
		if err := request.Decode(&body); err != nil {
			return false
		}
		peer.Reply(request, channel.Reply{Context: body.Context, Space: 900})
		return true
	case channel.OpGetStatus:
		status := channel.StatusNeedsInput
		if len(h.statuses) > 0 {
			status, h.statuses = h.statuses[0], h.statuses[1:]
		}
		peer.Reply(request, channel.Reply{Status: status})
		return true
	case channel.OpReset:
		peer.Reply(request, channel.Reply{})
	case channel.OpGiveInput:
		if h.input != nil {
			remote, data, err := channel.SplitContextPayload(request.Payload)
			if err == nil {
				h.input(peer, remote, data)
			}
		}
	}
	return false
}

func newSession(t *testing.T, h *host, options dps.Options) (*dps.Session, *channeltest.Peer) {
	t.Helper()
	server, peer := channeltest.Pair(t, channel.Options{Name: "server"}, h.handle)
	options.Server = server
	session, err := dps.New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return session, peer
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func create(t *testing.T, session *dps.Session, options dps.CreateOptions) dps.ContextID {
	t.Helper()
	id, err := session.Create(testContext(t), options)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func info(t *testing.T, session *dps.Session, id dps.ContextID) dps.Info {
	t.Helper()
	i, ok := session.Info(id)
	if !ok {
		t.Fatalf("context %d is not registered", id)
	}
	return i
}

// expectInput returns the next GiveInput frame, failing unless it is
// for remote context want.
func expectInput(t *testing.T, peer *channeltest.Peer, want uint32) []byte {
	t.Helper()
	request := peer.Expect(channel.OpGiveInput)
	remote, data, err := channel.SplitContextPayload(request.Payload)
	if err != nil {
		t.Fatalf("input payload: %v", err)
	}
	if remote != want {
		t.Fatalf("input for context %d (%q), want context %d", remote, data, want)
	}
	return data
}

func record(t *testing.T, tag byte, values ...wire.Value) []byte {
	t.Helper()
	encoded, err := wire.Encoder{Program: wire.Binary, Names: wire.StringNames}.EncodeTagged(tag, values...)
	if err != nil {
		t.Fatalf("encoding result record: %v", err)
	}
	return encoded
}

// retag encodes values as one record and gives each top-level object
// its own tag.
func retag(t *testing.T, tags []byte, values ...wire.Value) []byte {
	t.Helper()
	encoded := record(t, 0, values...)
	header, err := wire.PeekHeader(encoded)
	if err != nil {
		t.Fatalf("PeekHeader: %v", err)
	}
	for i, tag := range tags {
		encoded[header.Size+8*i+1] = tag
	}
	return encoded
}

func TestCreateRegistersNothingOnFailure(t *testing.T) {
	t.Parallel()
	h := &host{failCreate: 1}
	session, _ := newSession(t, h, dps.Options{})

	_, err := session.Create(testContext(t), dps.CreateOptions{Drawable: 5})
	if !errors.Is(err, dps.RemoteError) {
		t.Fatalf("Create error = %v, want a remote error", err)
	}
	if ids := session.Contexts(); len(ids) != 0 {
		t.Fatalf("failed create registered contexts %v", ids)
	}

	id := create(t, session, dps.CreateOptions{Drawable: 5})
	got := info(t, session, id)
	if got.Remote != 11 || got.RemoteSpace != 101 || !got.Creator || got.State != dps.Active {
		t.Errorf("info = %+v", got)
	}
	if members := session.Members(got.Space); len(members) != 1 || members[0] != id {
		t.Errorf("space members = %v, want [%d]", members, id)
	}
}

func TestAttachByIDIsIdempotent(t *testing.T) {
	t.Parallel()
	session, _ := newSession(t, &host{}, dps.Options{})
	ctx := testContext(t)

	first, err := session.AttachByID(ctx, 500)
	if err != nil {
		t.Fatalf("AttachByID: %v", err)
	}
	second, err := session.AttachByID(ctx, 500)
	if err != nil {
		t.Fatalf("second AttachByID: %v", err)
	}
	if first != second {
		t.Fatalf("attaching twice gave %d and %d", first, second)
	}

	got := info(t, session, first)
	if got.Creator || got.Names != wire.StringNames {
		t.Errorf("attached context info = %+v, want non-creator with string names", got)
	}
	if err := session.SetEncoding(first, wire.Binary, wire.Indexed); !errors.Is(err, dps.EncodingCheck) {
		t.Errorf("SetEncoding(indexed) = %v, want an encoding check", err)
	}
	if err := session.Await(ctx, first, nil); !errors.Is(err, dps.InvalidAccess) {
		t.Errorf("Await on attached context = %v, want invalid access", err)
	}
}

func TestSetEncodingRejectsIncompatibleCombination(t *testing.T) {
	t.Parallel()
	session, peer := newSession(t, &host{}, dps.Options{})
	id := create(t, session, dps.CreateOptions{})

	if err := session.SetEncoding(id, wire.ASCII, wire.Indexed); !errors.Is(err, dps.EncodingCheck) {
		t.Fatalf("SetEncoding = %v, want an encoding check", err)
	}
	if got := info(t, session, id); got.Program != wire.Binary || got.Names != wire.Indexed {
		t.Errorf("rejected SetEncoding changed encodings to %s/%s", got.Program, got.Names)
	}
	peer.ExpectNothing(30 * time.Millisecond)

	if _, err := dps.New(dps.Options{Server: nil}); err == nil {
		t.Error("New without a server channel succeeded")
	}
}

func TestWriteFansOutAlongChain(t *testing.T) {
	t.Parallel()
	session, peer := newSession(t, &host{}, dps.Options{})
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{})
	b := create(t, session, dps.CreateOptions{})
	c := create(t, session, dps.CreateOptions{})

	if err := session.Chain(a, b); err != nil {
		t.Fatalf("Chain(a, b): %v", err)
	}
	if err := session.Chain(b, c); err != nil {
		t.Fatalf("Chain(b, c): %v", err)
	}
	if err := session.Chain(c, a); !errors.Is(err, dps.InvalidAccess) {
		t.Fatalf("Chain(c, a) = %v, want a cycle rejection", err)
	}

	program := []byte("1 2 add pop\n")
	if err := session.Write(ctx, a, program); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for _, remote := range []uint32{11, 12, 13} {
		if data := expectInput(t, peer, remote); !bytes.Equal(data, program) {
			t.Errorf("context %d got %q, want %q", remote, data, program)
		}
	}
	peer.ExpectNothing(30 * time.Millisecond)

	// Removing the middle joins its neighbors.
	if err := session.Unchain(b); err != nil {
		t.Fatalf("Unchain: %v", err)
	}
	if got := info(t, session, a).Child; got != c {
		t.Fatalf("after unchaining b, a's child = %d, want %d", got, c)
	}
	if err := session.Write(ctx, a, program); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	expectInput(t, peer, 11)
	expectInput(t, peer, 13)
	peer.ExpectNothing(30 * time.Millisecond)
}

func TestChainInsertsChildAheadOfExistingChild(t *testing.T) {
	t.Parallel()
	session, _ := newSession(t, &host{}, dps.Options{})
	a := create(t, session, dps.CreateOptions{})
	b := create(t, session, dps.CreateOptions{})
	c := create(t, session, dps.CreateOptions{})

	if err := session.Chain(a, c); err != nil {
		t.Fatalf("Chain(a, c): %v", err)
	}
	if err := session.Chain(a, b); err != nil {
		t.Fatalf("Chain(a, b): %v", err)
	}
	if got := info(t, session, a).Child; got != b {
		t.Errorf("a's child = %d, want %d", got, b)
	}
	if got := info(t, session, b).Child; got != c {
		t.Errorf("b's child = %d, want %d", got, c)
	}
	if err := session.Chain(a, c); !errors.Is(err, dps.InvalidAccess) {
		t.Errorf("chaining an already chained child = %v, want invalid access", err)
	}
}

func TestNameDefinitionsPrecedeFirstUse(t *testing.T) {
	t.Parallel()
	session, peer := newSession(t, &host{}, dps.Options{})
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{})
	b := create(t, session, dps.CreateOptions{})
	sibling := create(t, session, dps.CreateOptions{Space: info(t, session, a).Space})
	if err := session.Chain(a, b); err != nil {
		t.Fatalf("Chain: %v", err)
	}

	if err := session.WriteValues(ctx, a, wire.ExecName("frobnicate")); err != nil {
		t.Fatalf("WriteValues: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	definition := []wire.Value{wire.Int(0), wire.LitName("frobnicate"), wire.ExecName("defineusername")}
	use := []wire.Value{wire.ExecName("frobnicate")}
	expectRecord := func(remote uint32, want []wire.Value) {
		t.Helper()
		decoded, err := wire.DecodeRecord(expectInput(t, peer, remote), session.Names())
		if err != nil {
			t.Fatalf("decoding input for %d: %v", remote, err)
		}
		if len(decoded.Objects) != len(want) {
			t.Fatalf("context %d got %d objects, want %d", remote, len(decoded.Objects), len(want))
		}
		for i := range want {
			if !wire.Equal(decoded.Objects[i], want[i]) {
				t.Errorf("context %d object %d = %+v, want %+v", remote, i, decoded.Objects[i], want[i])
			}
		}
	}
	// Each chain member learns the name before its own first use.
	expectRecord(11, definition)
	expectRecord(11, use)
	expectRecord(12, definition)
	expectRecord(12, use)
	peer.ExpectNothing(30 * time.Millisecond)

	// Known names are not defined again.
	if err := session.WriteValues(ctx, a, wire.ExecName("frobnicate")); err != nil {
		t.Fatalf("WriteValues: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	expectRecord(11, use)
	expectRecord(12, use)

	// A context sharing a's space shares its definitions.
	if err := session.WriteValues(ctx, sibling, wire.ExecName("frobnicate")); err != nil {
		t.Fatalf("WriteValues: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	expectRecord(13, use)
	peer.ExpectNothing(30 * time.Millisecond)
	if got := info(t, session, sibling).LastNameIndex; got != 0 {
		t.Errorf("sibling last name index = %d, want 0", got)
	}
}

func TestAwaitFillsSlotsAndDispatchesOtherEvents(t *testing.T) {
	t.Parallel()
	h := &host{}
	session, _ := newSession(t, h, dps.Options{})
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{})
	other := create(t, session, dps.CreateOptions{})

	results := append(record(t, 0, wire.Int(42)), record(t, 1, wire.String("hello"))...)
	results = append(results, record(t, 2, wire.Array(wire.Int(1), wire.Real(2.5), wire.Int(3)))...)
	results = append(results, record(t, 3, wire.Null())...)
	h.mu.Lock()
	h.input = func(peer *channeltest.Peer, remote uint32, data []byte) {
		if remote != 11 {
			return
		}
		peer.Output(12, channel.OutputText, []byte("meanwhile"))
		peer.Output(11, channel.OutputBinary, results[:5])
		peer.Output(11, channel.OutputBinary, results[5:])
	}
	h.mu.Unlock()

	var texts []string
	session.SetHandlers(dps.Handlers{
		Text: func(id dps.ContextID, text []byte) {
			if id == other {
				texts = append(texts, string(text))
			}
		},
	})

	if err := session.Write(ctx, a, []byte("compute")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	slots := []dps.Slot{
		{Kind: dps.SlotInt},
		{Kind: dps.SlotString},
		{Kind: dps.SlotReal, Count: 4},
	}
	if err := session.Await(ctx, a, slots); err != nil {
		t.Fatalf("Await: %v", err)
	}

	if !slots[0].Filled || slots[0].Value.Int != 42 {
		t.Errorf("slot 0 = %+v", slots[0])
	}
	if !slots[1].Filled || string(slots[1].Value.Bytes) != "hello" {
		t.Errorf("slot 1 = %+v", slots[1])
	}
	want := []float64{1, 2.5, 3}
	if !slots[2].Filled || len(slots[2].Value.Elems) != len(want) {
		t.Fatalf("slot 2 = %+v", slots[2])
	}
	for i, elem := range slots[2].Value.Elems {
		if elem.Kind != wire.KindReal || elem.Real != want[i] {
			t.Errorf("slot 2 element %d = %+v, want real %v", i, elem, want[i])
		}
	}
	if len(texts) != 1 || texts[0] != "meanwhile" {
		t.Errorf("text for other context = %q, want [meanwhile]", texts)
	}
	if info(t, session, a).Waiting {
		t.Error("context still marked waiting after Await returned")
	}
}

func TestAwaitReportsMismatchAfterSentinel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		output func(t *testing.T) []byte
		want   dps.Code
	}{
		{
			name: "type",
			output: func(t *testing.T) []byte {
				return append(record(t, 0, wire.String("not a number")), record(t, 2, wire.Null())...)
			},
			want: dps.ResultTypeCheck,
		},
		{
			name: "tag",
			output: func(t *testing.T) []byte {
				return append(record(t, 7, wire.Int(1)), record(t, 2, wire.Null())...)
			},
			want: dps.ResultTagCheck,
		},
		{
			name: "array too long",
			output: func(t *testing.T) []byte {
				return append(record(t, 1, wire.Array(wire.Int(1), wire.Int(2), wire.Int(3))), record(t, 2, wire.Null())...)
			},
			want: dps.ResultTypeCheck,
		},
		{
			name: "type and sentinel in one record",
			output: func(t *testing.T) []byte {
				return retag(t, []byte{0, 1, 2}, wire.String("x"), wire.Int(5), wire.Null())
			},
			want: dps.ResultTypeCheck,
		},
		{
			name: "tag and sentinel in one record",
			output: func(t *testing.T) []byte {
				return retag(t, []byte{9, 2}, wire.Int(1), wire.Null())
			},
			want: dps.ResultTagCheck,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			h := &host{}
			session, _ := newSession(t, h, dps.Options{})
			ctx := testContext(t)
			a := create(t, session, dps.CreateOptions{})

			output := test.output(t)
			h.mu.Lock()
			h.input = func(peer *channeltest.Peer, remote uint32, data []byte) {
				peer.Output(remote, channel.OutputBinary, output)
			}
			h.mu.Unlock()

			if err := session.Write(ctx, a, []byte("go")); err != nil {
				t.Fatalf("Write: %v", err)
			}
			slots := []dps.Slot{{Kind: dps.SlotInt}, {Kind: dps.SlotInt, Count: 2}}
			err := session.Await(ctx, a, slots)
			if dps.CodeOf(err) != test.want {
				t.Fatalf("Await = %v, want %s", err, test.want)
			}
			if slots[0].Filled || slots[1].Filled {
				t.Errorf("mismatched result filled a slot: %+v", slots)
			}
			// The session is still usable.
			if err := session.Write(ctx, a, []byte("again")); err != nil {
				t.Errorf("Write after mismatch: %v", err)
			}
		})
	}
}

func TestAwaitEndsWhenContextDies(t *testing.T) {
	t.Parallel()
	h := &host{}
	session, _ := newSession(t, h, dps.Options{})
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{})
	h.mu.Lock()
	h.input = func(peer *channeltest.Peer, remote uint32, data []byte) {
		peer.Status(remote, channel.StatusZombie)
	}
	h.mu.Unlock()

	var statuses []channel.Status
	session.SetHandlers(dps.Handlers{
		Status: func(id dps.ContextID, status channel.Status) { statuses = append(statuses, status) },
	})
	if err := session.Write(ctx, a, []byte("quit")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	start := time.Now()
	err := session.Await(ctx, a, []dps.Slot{{Kind: dps.SlotAny}})
	if !errors.Is(err, dps.DeadContext) {
		t.Fatalf("Await = %v, want a dead context error", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Await took %v to notice the zombie", elapsed)
	}
	if len(statuses) != 1 || statuses[0] != channel.StatusZombie {
		t.Errorf("status events = %v, want [zombie]", statuses)
	}
	if got := info(t, session, a).State; got != dps.Zombie {
		t.Errorf("state = %s, want zombie", got)
	}
	if err := session.Write(ctx, a, []byte("more")); !errors.Is(err, dps.DeadContext) {
		t.Errorf("Write to zombie = %v, want a dead context error", err)
	}
}

func TestAwaitRejectsRecursiveWaitFromHandler(t *testing.T) {
	t.Parallel()
	h := &host{}
	session, _ := newSession(t, h, dps.Options{})
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{})
	sentinel := record(t, 0, wire.Null())
	h.mu.Lock()
	h.input = func(peer *channeltest.Peer, remote uint32, data []byte) {
		peer.Output(remote, channel.OutputText, []byte("progress"))
		peer.Output(remote, channel.OutputBinary, sentinel)
	}
	h.mu.Unlock()

	var nested error
	session.SetHandlers(dps.Handlers{
		Text: func(id dps.ContextID, text []byte) { nested = session.Await(ctx, id, nil) },
	})
	if err := session.Write(ctx, a, []byte("work")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := session.Await(ctx, a, nil); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !errors.Is(nested, dps.RecursiveWait) {
		t.Errorf("nested Await = %v, want a recursive wait error", nested)
	}
}

func TestDestroyFromHandlerEndsWait(t *testing.T) {
	t.Parallel()
	h := &host{}
	session, peer := newSession(t, h, dps.Options{})
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{})
	other := create(t, session, dps.CreateOptions{})
	h.mu.Lock()
	h.input = func(peer *channeltest.Peer, remote uint32, data []byte) {
		peer.Output(12, channel.OutputText, []byte("stop them"))
	}
	h.mu.Unlock()

	err := session.SetContextHandlers(other, &dps.Handlers{
		Text: func(dps.ContextID, []byte) {
			if err := session.Destroy(a); err != nil {
				t.Errorf("Destroy from handler: %v", err)
			}
		},
	})
	if err != nil {
		t.Fatalf("SetContextHandlers: %v", err)
	}
	if err := session.Write(ctx, a, []byte("work")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := session.Await(ctx, a, nil); !errors.Is(err, dps.DeadContext) {
		t.Fatalf("Await = %v, want a dead context error", err)
	}
	if _, ok := session.Info(a); ok {
		t.Error("destroyed context is still registered")
	}
	expectInput(t, peer, 11)
	var kill channel.NotifyRequest
	peer.Decode(peer.Expect(channel.OpNotify), &kill)
	if kill.Context != 11 || kill.Kind != channel.NotifyKill {
		t.Errorf("notify = %+v, want kill of 11", kill)
	}
}

func TestClosedConnectionIsFatal(t *testing.T) {
	t.Parallel()
	session, peer := newSession(t, &host{}, dps.Options{})
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{})

	var fatal []error
	session.SetHandlers(dps.Handlers{Fatal: func(err error) { fatal = append(fatal, err) }})

	if err := session.Write(ctx, a, []byte("work")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	expectInput(t, peer, 11)
	peer.Close()

	err := session.Await(ctx, a, nil)
	if !errors.Is(err, dps.ClosedConnection) {
		t.Fatalf("Await = %v, want a closed connection error", err)
	}
	if !dps.ClosedConnection.IsFatal() {
		t.Error("closed connection should be fatal")
	}
	if err := session.Write(ctx, a, []byte("more")); !errors.Is(err, dps.ClosedConnection) {
		t.Errorf("Write after failure = %v, want the session error", err)
	}
	if len(fatal) != 1 {
		t.Errorf("fatal handler ran %d times, want once", len(fatal))
	}
}

func TestResetWaitsForFrozenContext(t *testing.T) {
	t.Parallel()
	h := &host{statuses: []channel.Status{
		channel.StatusFrozen,
		channel.StatusRunning,
		channel.StatusRunning,
		channel.StatusNeedsInput,
	}}
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	session, peer := newSession(t, h, dps.Options{
		Clock: fake,
		Reset: dps.ResetPolicy{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: time.Second},
	})
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{})

	status, err := session.Status(ctx, a)
	if err != nil || status != channel.StatusFrozen {
		t.Fatalf("Status = %s, %v; want frozen", status, err)
	}
	if got := info(t, session, a).State; got != dps.Frozen {
		t.Fatalf("state = %s, want frozen", got)
	}

	advanced := make(chan struct{})
	go func() {
		defer close(advanced)
		fake.WaitForTimers(1)
		fake.Advance(10 * time.Millisecond)
		fake.WaitForTimers(1)
		fake.Advance(20 * time.Millisecond)
	}()
	if err := session.Reset(ctx, a); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	<-advanced

	var unfreeze channel.NotifyRequest
	peer.Decode(peer.Expect(channel.OpNotify), &unfreeze)
	if unfreeze.Kind != channel.NotifyUnfreeze || unfreeze.Context != 11 {
		t.Errorf("notify = %+v, want unfreeze of 11", unfreeze)
	}
	peer.Expect(channel.OpReset)
	if got := info(t, session, a).State; got != dps.Active {
		t.Errorf("state after reset = %s, want active", got)
	}
}

func TestDestroyLastMemberDestroysCreatedSpace(t *testing.T) {
	t.Parallel()
	session, peer := newSession(t, &host{}, dps.Options{})
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{})
	space := info(t, session, a).Space
	b := create(t, session, dps.CreateOptions{Space: space})
	attached, err := session.AttachByID(ctx, 500)
	if err != nil {
		t.Fatalf("AttachByID: %v", err)
	}

	expectKill := func(remote uint32) {
		t.Helper()
		var notify channel.NotifyRequest
		peer.Decode(peer.Expect(channel.OpNotify), &notify)
		if notify.Kind != channel.NotifyKill || notify.Context != remote {
			t.Fatalf("notify = %+v, want kill of %d", notify, remote)
		}
	}

	if err := session.Destroy(a); err != nil {
		t.Fatalf("Destroy(a): %v", err)
	}
	expectKill(11)
	if members := session.Members(space); len(members) != 1 || members[0] != b {
		t.Fatalf("members after destroying a = %v, want [%d]", members, b)
	}
	peer.ExpectNothing(30 * time.Millisecond)

	if err := session.Destroy(b); err != nil {
		t.Fatalf("Destroy(b): %v", err)
	}
	expectKill(12)
	var destroyed channel.SpaceRequest
	peer.Decode(peer.Expect(channel.OpDestroySpace), &destroyed)
	if destroyed.Space != 101 {
		t.Errorf("destroyed space %d, want 101", destroyed.Space)
	}

	// Someone else's context and space are only forgotten.
	if err := session.Destroy(attached); err != nil {
		t.Fatalf("Destroy(attached): %v", err)
	}
	peer.ExpectNothing(30 * time.Millisecond)
	if len(session.Contexts()) != 0 {
		t.Errorf("contexts left: %v", session.Contexts())
	}
}

func TestDestroyZombieSendsNoKill(t *testing.T) {
	t.Parallel()
	session, peer := newSession(t, &host{}, dps.Options{})
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{})

	peer.Status(11, channel.StatusZombie)
	err := session.Pump(ctx, func() bool { return info(t, session, a).State == dps.Zombie })
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if err := session.Destroy(a); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	// The space goes; the dead context is not killed again.
	var destroyed channel.SpaceRequest
	peer.Decode(peer.Expect(channel.OpDestroySpace), &destroyed)
	if destroyed.Space != 101 {
		t.Errorf("destroyed space %d, want 101", destroyed.Space)
	}
	peer.ExpectNothing(30 * time.Millisecond)
}

// agentSession builds a session whose contexts live on an agent. The
// agent echoes sync requests through the server connection like a real
// agent does.
func agentSession(t *testing.T, flush gstate.FlushPolicy) (*dps.Session, *channeltest.Peer, *channeltest.Peer) {
	t.Helper()
	server, serverPeer := channeltest.Pair(t, channel.Options{Name: "server"}, nil)
	h := &host{}
	agent, agentPeer := channeltest.Pair(t, channel.Options{Name: "agent"}, func(peer *channeltest.Peer, request channeltest.Request) bool {
		if request.Op == channel.OpSyncRequest {
			var body channel.SyncRequest
			if err := request.Decode(&body); err != nil {
				return false
			}
			serverPeer.SendMessage(channel.OpClientMessage, channel.ClientMessage{
				Window: body.Window, Kind: channel.MessageSyncEcho, Context: body.Context, Seq: body.Token,
			})
			return true
		}
		return h.handle(peer, request)
	})
	session, err := dps.New(dps.Options{
		Server:       server,
		Agent:        agent,
		AgentWindow:  agentWindow,
		ClientWindow: clientWindow,
		GCFlush:      flush,
		Barrier:      coord.PolicyReconcile,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return session, serverPeer, agentPeer
}

func TestDeferredGCFlushSyncsBeforeWrite(t *testing.T) {
	t.Parallel()
	session, serverPeer, agentPeer := agentSession(t, gstate.Deferred)
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{Drawable: 3, GC: 7})

	if err := session.SetGC(a, channel.GCPlaneMask, gstate.Values{PlaneMask: 0xff}); err != nil {
		t.Fatalf("SetGC: %v", err)
	}
	serverPeer.ExpectNothing(30 * time.Millisecond)

	if err := session.Write(ctx, a, []byte("fill")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var change channel.ChangeGC
	serverPeer.Decode(serverPeer.Expect(channel.OpChangeGC), &change)
	wantMask := channel.GCPlaneMask | channel.GCClipMask | channel.GCRects
	if change.GC != 7 || change.Mask != wantMask || change.PlaneMask != 0xff {
		t.Errorf("change = %+v, want gc 7 mask %#x", change, wantMask)
	}
	// The sync already ordered the agent after the change: no pause.
	expectInput(t, agentPeer, 11)
	agentPeer.ExpectNothing(30 * time.Millisecond)
	serverPeer.ExpectNothing(30 * time.Millisecond)
}

func TestServerTrafficPausesAgentUntilNextWrite(t *testing.T) {
	t.Parallel()
	session, serverPeer, agentPeer := agentSession(t, gstate.Eager)
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{Drawable: 3, GC: 7})

	// An eager change goes to the server at once.
	if err := session.SetGC(a, channel.GCClipXOrigin, gstate.Values{ClipXOrigin: 4}); err != nil {
		t.Fatalf("SetGC: %v", err)
	}
	if err := session.Write(ctx, a, []byte("stroke")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var pause channel.PauseRequest
	agentPeer.Decode(agentPeer.Expect(channel.OpPause), &pause)
	if pause.Context != 11 || pause.Seq != 1 {
		t.Errorf("pause = %+v, want context 11 seq 1", pause)
	}
	expectInput(t, agentPeer, 11)

	serverPeer.Expect(channel.OpChangeGC)
	var resume channel.ClientMessage
	serverPeer.Decode(serverPeer.Expect(channel.OpClientMessage), &resume)
	want := channel.ClientMessage{Window: agentWindow, Kind: channel.MessageResume, Context: 11, Seq: 1}
	if resume != want {
		t.Errorf("resume = %+v, want %+v", resume, want)
	}

	// Nothing new on the server: the next write needs no barrier.
	if err := session.Write(ctx, a, []byte("stroke")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	expectInput(t, agentPeer, 11)
	agentPeer.ExpectNothing(30 * time.Millisecond)
	serverPeer.ExpectNothing(30 * time.Millisecond)
}

func TestStatusQueryNeedsNoBarrier(t *testing.T) {
	t.Parallel()
	session, serverPeer, agentPeer := agentSession(t, gstate.Eager)
	ctx := testContext(t)
	a := create(t, session, dps.CreateOptions{Drawable: 3, GC: 7})
	if err := session.SetGC(a, channel.GCPlaneMask, gstate.Values{PlaneMask: 1}); err != nil {
		t.Fatalf("SetGC: %v", err)
	}
	if err := session.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	serverPeer.Expect(channel.OpChangeGC)

	if _, err := session.Status(ctx, a); err != nil {
		t.Fatalf("Status: %v", err)
	}
	agentPeer.ExpectNothing(30 * time.Millisecond)
}

func TestPollOnceReportsEvents(t *testing.T) {
	t.Parallel()
	session, peer := newSession(t, &host{}, dps.Options{})
	a := create(t, session, dps.CreateOptions{})

	peer.SendMessage(channel.OpReadyEvent, channel.ReadyEvent{Context: 11, Data: []int32{1, 2}})
	peer.SendMessage(channel.OpErrorEvent, channel.ErrorEvent{Context: 11, Message: "undefined"})
	peer.Output(11, channel.OutputBinary, record(t, 0, wire.Int(5)))
	peer.Output(99, channel.OutputText, []byte("nobody"))

	var events []dps.Event
	deadline := time.Now().Add(5 * time.Second)
	for len(events) < 3 && time.Now().Before(deadline) {
		event, ok, err := session.PollOnce(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
		if ok {
			events = append(events, event)
		}
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Kind != dps.EventReady || events[0].Context != a || len(events[0].Ready) != 2 {
		t.Errorf("event 0 = %+v, want ready", events[0])
	}
	if events[1].Kind != dps.EventError || !errors.Is(events[1].Err, dps.RemoteError) {
		t.Errorf("event 1 = %+v, want a remote error", events[1])
	}
	if events[2].Kind != dps.EventOutput || len(events[2].Record.Objects) != 1 || events[2].Record.Objects[0].Int != 5 {
		t.Errorf("event 2 = %+v, want output 5", events[2])
	}
	if _, ok, _ := session.PollOnce(30 * time.Millisecond); ok {
		t.Error("output for an unknown context produced an event")
	}
}
