// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package dps_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/channel/channeltest"
	"github.com/dpsx-project/dpsx/dps"
	"github.com/dpsx-project/dpsx/lib/config"
	"github.com/dpsx-project/dpsx/lib/testutil"
	"github.com/dpsx-project/dpsx/lib/version"
	"github.com/dpsx-project/dpsx/wire"
)

// fakeDialer connects each address to a scripted peer that completes
// the handshake and then hosts contexts.
type fakeDialer struct {
	t       *testing.T
	formats map[string]uint8

	mu    sync.Mutex
	peers map[string]*channeltest.Peer
}

func (d *fakeDialer) Connect(_ context.Context, address string) (net.Conn, error) {
	format, ok := d.formats[address]
	if !ok {
		return nil, fmt.Errorf("nothing listening at %s", address)
	}
	local, remote := testutil.SocketPair(d.t)
	h := &host{}
	peer := channeltest.NewPeer(d.t, remote, func(peer *channeltest.Peer, request channeltest.Request) bool {
		if request.Op == channel.OpInit {
			peer.SendMessage(channel.OpInitReply, channel.InitReply{
				Success:      true,
				Version:      version.ProtocolMax,
				NumberFormat: format,
				FloatingName: "IEEE",
			})
			return true
		}
		return h.handle(peer, request)
	})
	d.mu.Lock()
	d.peers[address] = peer
	d.mu.Unlock()
	return local, nil
}

type locator struct {
	endpoint dps.AgentEndpoint
	found    bool
}

func (l locator) DiscoverAgent(context.Context, dps.AgentCriteria) (dps.AgentEndpoint, bool, error) {
	return l.endpoint, l.found, nil
}

func TestOpenUsesServerPreferredFormat(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.Address = "server"
	dialer := &fakeDialer{t: t, formats: map[string]uint8{"server": uint8(wire.LowIEEE)}, peers: map[string]*channeltest.Peer{}}

	var mu sync.Mutex
	frames := map[string]int{}
	session, err := dps.Open(testContext(t), cfg, dps.Environment{
		Dialer: dialer,
		Tap: channel.TapFunc(func(name string, _ channel.Direction, _ channel.Frame) {
			mu.Lock()
			frames[name]++
			mu.Unlock()
		}),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if session.Coordinator().Active() {
		t.Error("coordinator is active without an agent")
	}
	id := create(t, session, dps.CreateOptions{})
	if got := info(t, session, id).Format; got != wire.LowIEEE {
		t.Errorf("context format = %s, want low-ieee", got)
	}
	mu.Lock()
	defer mu.Unlock()
	// Init, InitReply, CreateContext, Reply.
	if frames["server"] != 4 {
		t.Errorf("tap saw %d server frames, want 4", frames["server"])
	}
}

func TestOpenDiscoversAgent(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.Address = "server"
	cfg.Context.NumberFormat = "high-ieee"
	dialer := &fakeDialer{
		t:       t,
		formats: map[string]uint8{"server": uint8(wire.LowIEEE), "agent": uint8(wire.LowIEEE)},
		peers:   map[string]*channeltest.Peer{},
	}
	session, err := dps.Open(testContext(t), cfg, dps.Environment{
		Dialer:  dialer,
		Locator: locator{endpoint: dps.AgentEndpoint{Address: "agent", Window: agentWindow}, found: true},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !session.Coordinator().Active() {
		t.Fatal("discovered agent is not in use")
	}
	id := create(t, session, dps.CreateOptions{})
	if got := info(t, session, id).Format; got != wire.HighIEEE {
		t.Errorf("context format = %s, want the configured high-ieee", got)
	}
}

func TestOpenReportsDialFailure(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.Address = "nowhere"
	dialer := &fakeDialer{t: t, formats: map[string]uint8{}, peers: map[string]*channeltest.Peer{}}
	_, err := dps.Open(testContext(t), cfg, dps.Environment{Dialer: dialer})
	if err == nil {
		t.Fatal("Open succeeded without a server")
	}

	cfg = config.Default()
	cfg.Barrier = "sometimes"
	if _, err := dps.Open(testContext(t), cfg, dps.Environment{Dialer: dialer}); err == nil {
		t.Error("Open accepted an invalid configuration")
	}
}

type colors struct{ calls int }

func (c *colors) DefaultMaps(drawable uint32) (channel.ColorMap, channel.ColorMap, error) {
	c.calls++
	if drawable == 0 {
		return channel.ColorMap{}, channel.ColorMap{}, errors.New("no visual")
	}
	return channel.ColorMap{Colormap: 0x20, RedMax: 5, RedMult: 36, GreenMax: 5, GreenMult: 6, BlueMax: 5, BlueMult: 1},
		channel.ColorMap{Colormap: 0x20, RedMax: 15, RedMult: 1, BasePixel: 216}, nil
}

func TestCreateAsksForDefaultColormaps(t *testing.T) {
	t.Parallel()
	allocator := &colors{}
	session, _ := newSession(t, &host{}, dps.Options{Colors: allocator})
	ctx := testContext(t)

	if _, err := session.Create(ctx, dps.CreateOptions{Drawable: 0}); err == nil {
		t.Fatal("Create succeeded although the colormaps could not be allocated")
	}
	create(t, session, dps.CreateOptions{Drawable: 9})
	create(t, session, dps.CreateOptions{Drawable: 9, GrayRamp: channel.ColorMap{Colormap: 1, RedMax: 3, RedMult: 1}})
	if allocator.calls != 2 {
		t.Errorf("allocator called %d times, want 2", allocator.calls)
	}
}
