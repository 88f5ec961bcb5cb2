// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package coord_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/channel/channeltest"
	"github.com/dpsx-project/dpsx/coord"
)

const (
	agentWindow  = 0x400001
	clientWindow = 0x200001
)

type pair struct {
	server, agent         *channel.Channel
	serverPeer, agentPeer *channeltest.Peer
	coordinator           *coord.Coordinator
}

func newPair(t *testing.T, agentHandler channeltest.Handler) *pair {
	t.Helper()
	p := &pair{}
	p.server, p.serverPeer = channeltest.Pair(t, channel.Options{Name: "server"}, nil)
	p.agent, p.agentPeer = channeltest.Pair(t, channel.Options{Name: "agent"}, agentHandler)
	p.coordinator = coord.New(coord.Options{
		Server:       p.server,
		Agent:        p.agent,
		AgentWindow:  agentWindow,
		ClientWindow: clientWindow,
	})
	return p
}

func (p *pair) serverRequests(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := p.server.SendMessage(channel.OpChangeGC, channel.ChangeGC{GC: 1, Mask: channel.GCPlaneMask, PlaneMask: 1}); err != nil {
			t.Fatalf("server request: %v", err)
		}
	}
}

func expectPause(t *testing.T, peer *channeltest.Peer, context, seq uint32) {
	t.Helper()
	var pause channel.PauseRequest
	peer.Decode(peer.Expect(channel.OpPause), &pause)
	if pause.Context != context || pause.Seq != seq {
		t.Fatalf("pause = %+v, want context %d seq %d", pause, context, seq)
	}
}

func expectResume(t *testing.T, peer *channeltest.Peer, context, seq uint32) {
	t.Helper()
	var message channel.ClientMessage
	peer.Decode(peer.Expect(channel.OpClientMessage), &message)
	want := channel.ClientMessage{Window: agentWindow, Kind: channel.MessageResume, Context: context, Seq: seq}
	if message != want {
		t.Fatalf("resume = %+v, want %+v", message, want)
	}
}

func TestPauseResumeHandshake(t *testing.T) {
	t.Parallel()
	p := newPair(t, nil)
	c := p.coordinator

	p.serverRequests(t, 3)
	if err := c.Reconcile(7); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	expectPause(t, p.agentPeer, 7, 1)

	// No server traffic since: nothing more to send.
	if err := c.Reconcile(7); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	p.agentPeer.ExpectNothing(30 * time.Millisecond)

	if err := c.Resume(7); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	for i := 0; i < 3; i++ {
		p.serverPeer.Expect(channel.OpChangeGC)
	}
	expectResume(t, p.serverPeer, 7, 1)

	// Exactly once per pause.
	if err := c.Resume(7); err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	// The resume does not count as new server traffic.
	if err := c.Reconcile(7); err != nil {
		t.Fatalf("Reconcile after resume: %v", err)
	}
	p.serverPeer.ExpectNothing(30 * time.Millisecond)
	p.agentPeer.ExpectNothing(30 * time.Millisecond)

	record, ok := c.Record(7)
	if !ok || record.Paused || record.Seq != 1 {
		t.Errorf("record = %+v, %v", record, ok)
	}

	p.serverRequests(t, 1)
	if err := c.Reconcile(7); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	expectPause(t, p.agentPeer, 7, 2)
}

func TestReconcileWithoutServerTrafficIsFree(t *testing.T) {
	t.Parallel()
	p := newPair(t, nil)
	if err := p.coordinator.Reconcile(1); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, ok := p.coordinator.Record(1); ok {
		t.Error("no record should exist before a pause is needed")
	}
	if err := p.coordinator.Resume(1); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	p.agentPeer.ExpectNothing(30 * time.Millisecond)
	p.serverPeer.ExpectNothing(30 * time.Millisecond)
}

func TestReconcileWhilePausedKeepsOnePause(t *testing.T) {
	t.Parallel()
	p := newPair(t, nil)
	c := p.coordinator

	p.serverRequests(t, 1)
	if err := c.Reconcile(2); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	p.serverRequests(t, 2)
	if err := c.Reconcile(2); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	expectPause(t, p.agentPeer, 2, 1)
	p.agentPeer.ExpectNothing(30 * time.Millisecond)

	if err := c.Resume(2); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	for i := 0; i < 3; i++ {
		p.serverPeer.Expect(channel.OpChangeGC)
	}
	expectResume(t, p.serverPeer, 2, 1)
}

func TestPauseStateIsPerContext(t *testing.T) {
	t.Parallel()
	p := newPair(t, nil)
	c := p.coordinator

	p.serverRequests(t, 1)
	for _, id := range []uint32{1, 2} {
		if err := c.Reconcile(id); err != nil {
			t.Fatalf("Reconcile(%d): %v", id, err)
		}
		expectPause(t, p.agentPeer, id, 1)
	}
	c.Forget(1)
	if _, ok := c.Record(1); ok {
		t.Error("Forget left a record behind")
	}
	if record, ok := c.Record(2); !ok || !record.Paused {
		t.Errorf("context 2 record = %+v, %v", record, ok)
	}
}

func TestSyncWaitsForMatchingEcho(t *testing.T) {
	t.Parallel()
	var serverPeer *channeltest.Peer
	ready := make(chan struct{})
	p := newPair(t, func(peer *channeltest.Peer, request channeltest.Request) bool {
		if request.Op != channel.OpSyncRequest {
			return false
		}
		<-ready
		var sync channel.SyncRequest
		if err := request.Decode(&sync); err != nil {
			t.Errorf("decoding sync request: %v", err)
			return true
		}
		// A stale echo and an unrelated event come first; the echo
		// itself travels through the display server.
		serverPeer.SendMessage(channel.OpClientMessage, channel.ClientMessage{Window: sync.Window, Kind: channel.MessageSyncEcho, Seq: sync.Token + 100})
		peer.Status(sync.Context, channel.StatusRunning)
		serverPeer.SendMessage(channel.OpClientMessage, channel.ClientMessage{Window: sync.Window, Kind: channel.MessageSyncEcho, Context: sync.Context, Seq: sync.Token})
		return true
	})
	serverPeer = p.serverPeer
	close(ready)

	p.serverRequests(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.coordinator.Sync(ctx, 4); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	p.serverPeer.Expect(channel.OpChangeGC)
	p.serverPeer.Expect(channel.OpChangeGC)

	record, ok := p.coordinator.Record(4)
	if !ok || record.LastRequest != 2 {
		t.Errorf("record after sync = %+v, %v", record, ok)
	}
	// Already synchronized: no pause needed.
	if err := p.coordinator.Reconcile(4); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	p.agentPeer.ExpectNothing(30 * time.Millisecond)

	// The stale echo and the status event are still queued.
	deadline := time.Now().Add(5 * time.Second)
	for !p.agent.Pending() && time.Now().Before(deadline) {
		channel.Poll(100*time.Millisecond, p.agent)
	}
	if frame, ok := p.agent.Next(); !ok || frame.Op != channel.OpStatusEvent {
		t.Errorf("agent queue head = %v, %v; want status event", frame.Op, ok)
	}
	if frame, ok := p.server.Next(); !ok || frame.Op != channel.OpClientMessage {
		t.Errorf("server queue head = %v, %v; want stale echo", frame.Op, ok)
	}
}

func TestSyncFailsWhenAgentCloses(t *testing.T) {
	t.Parallel()
	p := newPair(t, func(peer *channeltest.Peer, request channeltest.Request) bool {
		if request.Op == channel.OpSyncRequest {
			peer.Close()
		}
		return true
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.coordinator.Sync(ctx, 1)
	if !errors.Is(err, coord.ErrNoEcho) || !errors.Is(err, channel.ErrClosed) {
		t.Fatalf("Sync error = %v, want ErrNoEcho wrapping ErrClosed", err)
	}
}

func TestWithoutAgentEverythingIsNoOp(t *testing.T) {
	t.Parallel()
	server, serverPeer := channeltest.Pair(t, channel.Options{}, nil)
	c := coord.New(coord.Options{Server: server})
	if c.Active() {
		t.Fatal("Active() without an agent")
	}
	if err := server.SendInput(1, []byte("x")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	for _, policy := range []coord.Policy{coord.PolicyNone, coord.PolicyReconcile, coord.PolicySync} {
		if err := c.Barrier(context.Background(), 1, policy); err != nil {
			t.Errorf("Barrier(%s): %v", policy, err)
		}
	}
	if err := c.Resume(1); err != nil {
		t.Errorf("Resume: %v", err)
	}
	serverPeer.ExpectNothing(30 * time.Millisecond)
}

func TestBarrierNoneSendsNothing(t *testing.T) {
	t.Parallel()
	p := newPair(t, nil)
	p.serverRequests(t, 1)
	if err := p.coordinator.Barrier(context.Background(), 1, coord.PolicyNone); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	p.agentPeer.ExpectNothing(30 * time.Millisecond)
	if err := p.coordinator.Barrier(context.Background(), 1, coord.PolicyReconcile); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	expectPause(t, p.agentPeer, 1, 1)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	for input, want := range map[string]coord.Policy{"none": coord.PolicyNone, "reconcile": coord.PolicyReconcile, "": coord.PolicyReconcile, "sync": coord.PolicySync} {
		got, err := coord.ParsePolicy(input)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %s, %v; want %s", input, got, err, want)
		}
	}
	if _, err := coord.ParsePolicy("always"); err == nil {
		t.Error("ParsePolicy accepted an unknown policy")
	}
}
