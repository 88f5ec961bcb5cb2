// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the session configuration.
type Config struct {
	// Server is the display-server extension endpoint.
	Server EndpointConfig `yaml:"server"`

	// Agent is the optional agent endpoint. An empty address means
	// contexts are hosted by the server directly and no barriers are
	// needed.
	Agent EndpointConfig `yaml:"agent"`

	Channel ChannelConfig `yaml:"channel"`
	Context ContextConfig `yaml:"context"`
	GC      GCConfig      `yaml:"gc"`

	// Barrier is the default barrier for graphics writes to a context
	// hosted by the agent: "none", "reconcile", or "sync".
	// Default: reconcile
	Barrier string `yaml:"barrier"`

	Compat CompatConfig `yaml:"compat"`
	Reset  ResetConfig  `yaml:"reset"`
	Trace  TraceConfig  `yaml:"trace"`
}

// EndpointConfig names one peer.
type EndpointConfig struct {
	// Address is "unix:/path", "tcp:host:port", or a bare socket path.
	Address string `yaml:"address"`

	// Window is a window id for out-of-band client messages. On the
	// agent endpoint it is the agent's window, where resumes are
	// addressed. On the server endpoint it is the client's own window,
	// where the agent addresses sync echoes.
	Window uint32 `yaml:"window"`

	// Display is the display string sent in the handshake.
	// Default: ":0"
	Display string `yaml:"display"`
}

// ChannelConfig configures the buffered connection channels.
type ChannelConfig struct {
	// MaxMessageSize bounds one outbound frame payload. Larger program
	// writes are split into several frames.
	// Default: 65536
	MaxMessageSize int `yaml:"max_message_size"`

	// BufferSize is the size of the write buffer before an implicit
	// flush.
	// Default: 16384
	BufferSize int `yaml:"buffer_size"`
}

// ContextConfig holds the encodings new contexts start with.
type ContextConfig struct {
	// ProgramEncoding is "binary", "tokens", or "ascii".
	// Default: binary
	ProgramEncoding string `yaml:"program_encoding"`

	// NameEncoding is "indexed" or "string".
	// Default: indexed
	NameEncoding string `yaml:"name_encoding"`

	// NumberFormat is "high-ieee", "low-ieee", "high-native",
	// "low-native", "native", or empty to use the format the peer
	// prefers in its handshake reply.
	NumberFormat string `yaml:"number_format"`
}

// GCConfig configures the graphics state cache.
type GCConfig struct {
	// Flush is "eager" or "deferred".
	// Default: deferred
	Flush string `yaml:"flush"`
}

// CompatConfig holds workarounds for misbehaving peers.
type CompatConfig struct {
	// DowngradeOnSuccess accepts a successful handshake reply that
	// reports an older protocol version than requested. Some servers
	// answer this way instead of failing, and without the flag the
	// client retries the handshake at the reported version.
	// Default: false
	DowngradeOnSuccess bool `yaml:"downgrade_on_success"`
}

// ResetConfig bounds the wait for a frozen context to accept input
// again after a reset.
type ResetConfig struct {
	// Default: 20
	MaxAttempts int `yaml:"max_attempts"`
	// Default: 10ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// Default: 500ms
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// TraceConfig configures the traffic recorder.
type TraceConfig struct {
	// Path is the trace file. Empty disables tracing.
	Path string `yaml:"path"`

	// Compression is "none", "lz4", or "zstd".
	// Default: lz4
	Compression string `yaml:"compression"`

	// ChunkSize is the uncompressed size at which a chunk is sealed.
	// Default: 65536
	ChunkSize int `yaml:"chunk_size"`
}

// Allowed enum values, checked by Validate.
var (
	ProgramEncodings = []string{"binary", "tokens", "ascii"}
	NameEncodings    = []string{"indexed", "string"}
	NumberFormats    = []string{"", "high-ieee", "low-ieee", "high-native", "low-native", "native"}
	FlushPolicies    = []string{"eager", "deferred"}
	BarrierPolicies  = []string{"none", "reconcile", "sync"}
	Compressions     = []string{"none", "lz4", "zstd"}
)

// Default returns the configuration used as the base for every load.
func Default() *Config {
	return &Config{
		Server: EndpointConfig{
			Address: "${XDG_RUNTIME_DIR:-/tmp}/dps/server.sock",
			Display: ":0",
		},
		Agent: EndpointConfig{
			Display: ":0",
		},
		Channel: ChannelConfig{
			MaxMessageSize: 65536,
			BufferSize:     16384,
		},
		Context: ContextConfig{
			ProgramEncoding: "binary",
			NameEncoding:    "indexed",
		},
		GC:      GCConfig{Flush: "deferred"},
		Barrier: "reconcile",
		Reset: ResetConfig{
			MaxAttempts:    20,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
		},
		Trace: TraceConfig{
			Compression: "lz4",
			ChunkSize:   65536,
		},
	}
}

// Load loads the file named by DPSX_CONFIG. It fails when the variable
// is unset rather than guessing a location.
func Load() (*Config, error) {
	configPath := os.Getenv("DPSX_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("DPSX_CONFIG environment variable not set; " +
			"set it to the path of your dpsx.yaml config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path on top of [Default] and
// expands variables. The result is not validated.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of [Default] and expands variables.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandVariables()
	return cfg, nil
}

// AgentEnabled reports whether an agent endpoint is configured.
func (c *Config) AgentEnabled() bool { return c.Agent.Address != "" }

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Server.Address = expandVars(c.Server.Address, vars)
	c.Agent.Address = expandVars(c.Agent.Address, vars)
	c.Trace.Path = expandVars(c.Trace.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. vars are consulted
// before the environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Address == "" {
		errs = append(errs, fmt.Errorf("server.address is required"))
	}
	if c.AgentEnabled() && c.Agent.Window == 0 {
		errs = append(errs, fmt.Errorf("agent.window is required when agent.address is set"))
	}
	if c.Channel.MaxMessageSize < 64 {
		errs = append(errs, fmt.Errorf("channel.max_message_size must be at least 64, got %d", c.Channel.MaxMessageSize))
	}
	if c.Channel.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("channel.buffer_size must be positive, got %d", c.Channel.BufferSize))
	}

	checkEnum := func(field, value string, allowed []string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s must be one of %q, got %q", field, allowed, value))
		}
	}
	checkEnum("context.program_encoding", c.Context.ProgramEncoding, ProgramEncodings)
	checkEnum("context.name_encoding", c.Context.NameEncoding, NameEncodings)
	checkEnum("context.number_format", c.Context.NumberFormat, NumberFormats)
	checkEnum("gc.flush", c.GC.Flush, FlushPolicies)
	checkEnum("barrier", c.Barrier, BarrierPolicies)
	checkEnum("trace.compression", c.Trace.Compression, Compressions)

	if c.Context.ProgramEncoding == "ascii" && c.Context.NameEncoding == "indexed" {
		errs = append(errs, fmt.Errorf("context: ascii programs cannot use indexed names"))
	}
	if c.Reset.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("reset.max_attempts must be positive, got %d", c.Reset.MaxAttempts))
	}
	if c.Reset.InitialBackoff <= 0 || c.Reset.MaxBackoff < c.Reset.InitialBackoff {
		errs = append(errs, fmt.Errorf("reset backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if c.Trace.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("trace.chunk_size must be positive, got %d", c.Trace.ChunkSize))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
