// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package dps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/coord"
	"github.com/dpsx-project/dpsx/gstate"
	"github.com/dpsx-project/dpsx/lib/clock"
	"github.com/dpsx-project/dpsx/lib/config"
	"github.com/dpsx-project/dpsx/lib/netutil"
	"github.com/dpsx-project/dpsx/wire"
)

// Dialer opens the byte stream to a peer.
type Dialer interface {
	Connect(ctx context.Context, address string) (net.Conn, error)
}

// NetDialer dials "unix:", "tcp:", or bare socket path addresses.
type NetDialer struct{}

func (NetDialer) Connect(ctx context.Context, address string) (net.Conn, error) {
	parsed, err := netutil.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return netutil.Dial(ctx, parsed)
}

// AgentCriteria narrows agent discovery.
type AgentCriteria struct {
	Display string
}

// AgentEndpoint is a discovered agent.
type AgentEndpoint struct {
	Address string
	// Window receives resume messages for the agent.
	Window uint32
}

// AgentLocator finds an agent when none is configured. found is false
// when there is no agent to use, which is not an error.
type AgentLocator interface {
	DiscoverAgent(ctx context.Context, criteria AgentCriteria) (endpoint AgentEndpoint, found bool, err error)
}

// ColorAllocator supplies the standard colormaps for a drawable.
type ColorAllocator interface {
	DefaultMaps(drawable uint32) (cube, gray channel.ColorMap, err error)
}

// Environment holds what Open needs beyond the configuration. Every
// field is optional.
type Environment struct {
	Dialer  Dialer
	Locator AgentLocator
	Colors  ColorAllocator
	// Tap sees every frame on both channels.
	Tap      channel.Tap
	Handlers Handlers
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Open connects to the configured server, and to an agent when one is
// configured or discovered, initializes both, and returns a session
// over them. The session's default number format is the configured
// one, or else the one the hosting peer prefers.
func Open(ctx context.Context, cfg *config.Config, env Environment) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	program, err := wire.ParseProgramEncoding(cfg.Context.ProgramEncoding)
	if err != nil {
		return nil, err
	}
	nameEncoding, err := wire.ParseNameEncoding(cfg.Context.NameEncoding)
	if err != nil {
		return nil, err
	}
	var format wire.NumberFormat
	if cfg.Context.NumberFormat != "" {
		if format, err = wire.ParseNumberFormat(cfg.Context.NumberFormat); err != nil {
			return nil, err
		}
	}
	flush, err := gstate.ParseFlushPolicy(cfg.GC.Flush)
	if err != nil {
		return nil, err
	}
	barrier, err := coord.ParsePolicy(cfg.Barrier)
	if err != nil {
		return nil, err
	}

	logger := env.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dialer := env.Dialer
	if dialer == nil {
		dialer = NetDialer{}
	}

	agentEndpoint := AgentEndpoint{Address: cfg.Agent.Address, Window: cfg.Agent.Window}
	if agentEndpoint.Address == "" && env.Locator != nil {
		discovered, found, err := env.Locator.DiscoverAgent(ctx, AgentCriteria{Display: cfg.Agent.Display})
		if err != nil {
			return nil, fmt.Errorf("discovering agent: %w", err)
		}
		if found {
			logger.Info("discovered agent", "address", discovered.Address, "window", discovered.Window)
			agentEndpoint = discovered
		}
	}

	server, serverInfo, err := openChannel(ctx, dialer, "server", cfg.Server, cfg, env.Tap, logger)
	if err != nil {
		return nil, err
	}
	hostInfo := serverInfo
	var agent *channel.Channel
	if agentEndpoint.Address != "" {
		endpoint := cfg.Agent
		endpoint.Address = agentEndpoint.Address
		var agentInfo channel.PeerInfo
		agent, agentInfo, err = openChannel(ctx, dialer, "agent", endpoint, cfg, env.Tap, logger)
		if err != nil {
			return nil, errors.Join(err, server.Close())
		}
		hostInfo = agentInfo
	}

	if format == 0 {
		if preferred := wire.NumberFormat(hostInfo.NumberFormat); preferred.Valid() {
			format = preferred
		}
	}

	session, err := New(Options{
		Server:       server,
		Agent:        agent,
		AgentWindow:  agentEndpoint.Window,
		ClientWindow: cfg.Server.Window,
		Program:      program,
		Names:        nameEncoding,
		Format:       format,
		GCFlush:      flush,
		Barrier:      barrier,
		Reset: ResetPolicy{
			MaxAttempts:    cfg.Reset.MaxAttempts,
			InitialBackoff: cfg.Reset.InitialBackoff,
			MaxBackoff:     cfg.Reset.MaxBackoff,
		},
		Colors:   env.Colors,
		Handlers: env.Handlers,
		Clock:    env.Clock,
		Logger:   logger,
	})
	if err != nil {
		errs := []error{err, server.Close()}
		if agent != nil {
			errs = append(errs, agent.Close())
		}
		return nil, errors.Join(errs...)
	}
	return session, nil
}

// openChannel dials one endpoint and runs the handshake on it.
func openChannel(ctx context.Context, dialer Dialer, name string, endpoint config.EndpointConfig, cfg *config.Config, tap channel.Tap, logger *slog.Logger) (*channel.Channel, channel.PeerInfo, error) {
	conn, err := dialer.Connect(ctx, endpoint.Address)
	if err != nil {
		return nil, channel.PeerInfo{}, fmt.Errorf("connecting to %s: %w", name, err)
	}
	ch := channel.New(conn, channel.Options{
		Name:           name,
		MaxMessageSize: cfg.Channel.MaxMessageSize,
		BufferSize:     cfg.Channel.BufferSize,
		Logger:         logger,
		Tap:            tap,
	})
	info, err := ch.Handshake(ctx, channel.Handshake{
		Display:            endpoint.Display,
		DowngradeOnSuccess: cfg.Compat.DowngradeOnSuccess,
	})
	if err != nil {
		return nil, channel.PeerInfo{}, errors.Join(err, ch.Close())
	}
	return ch, info, nil
}
