// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/dps"
	"github.com/dpsx-project/dpsx/lib/config"
	"github.com/dpsx-project/dpsx/trace"
	"github.com/dpsx-project/dpsx/wire"
)

type runFlags struct {
	configPath      string
	tracePath       string
	programEncoding string
	drawable        uint32
	gc              uint32
	timeout         time.Duration
	verbose         bool
}

func runCommand(args []string) error {
	var flags runFlags
	flagSet := pflag.NewFlagSet("dpsx run", pflag.ContinueOnError)
	flagSet.StringVar(&flags.configPath, "config", "", "path to dpsx.yaml (default: $DPSX_CONFIG)")
	flagSet.StringVar(&flags.tracePath, "trace", "", "record channel traffic to this file")
	flagSet.StringVar(&flags.programEncoding, "program-encoding", "", "override the configured program encoding: binary, tokens, or ascii")
	flagSet.Uint32Var(&flags.drawable, "drawable", 0, "drawable the context renders into")
	flagSet.Uint32Var(&flags.gc, "gc", 0, "graphics context the context draws through")
	flagSet.DurationVar(&flags.timeout, "timeout", 0, "give up after this long (0 waits forever)")
	flagSet.BoolVarP(&flags.verbose, "verbose", "v", false, "log protocol detail")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	files := flagSet.Args()
	if len(files) == 0 {
		return fmt.Errorf("at least one PostScript file is required")
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := newLogger(flags.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if flags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.timeout)
		defer cancel()
	}

	env := dps.Environment{
		Logger:   logger,
		Handlers: cliHandlers(logger),
	}
	if cfg.Trace.Path != "" {
		compression, err := trace.ParseCompression(cfg.Trace.Compression)
		if err != nil {
			return err
		}
		writer, err := trace.Create(cfg.Trace.Path, trace.Options{
			Compression: compression,
			ChunkSize:   cfg.Trace.ChunkSize,
			Label:       "dpsx run",
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("closing trace", "path", cfg.Trace.Path, "error", err)
			}
		}()
		logger.Info("recording trace", "path", cfg.Trace.Path, "id", writer.Header().ID)
		env.Tap = writer
	}

	session, err := dps.Open(ctx, cfg, env)
	if err != nil {
		return err
	}
	defer session.Close()

	id, err := session.Create(ctx, dps.CreateOptions{Drawable: flags.drawable, GC: flags.gc})
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := runFile(ctx, session, id, path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		logger.Debug("program finished", "file", path)
	}
	return nil
}

func loadConfig(flags runFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if flags.configPath != "" {
		cfg, err = config.LoadFile(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if flags.tracePath != "" {
		cfg.Trace.Path = flags.tracePath
	}
	if flags.programEncoding != "" {
		cfg.Context.ProgramEncoding = flags.programEncoding
		if flags.programEncoding == "ascii" {
			cfg.Context.NameEncoding = "string"
		}
	}
	return cfg, nil
}

// runFile sends one program, then asks the context to report an empty
// result set and waits for it, so the program has finished when
// runFile returns.
func runFile(ctx context.Context, session *dps.Session, id dps.ContextID, path string) error {
	program, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := session.Write(ctx, id, program); err != nil {
		return err
	}
	// "null 0 printobject flush": tag zero closes a wait with no slots.
	err = session.WriteValues(ctx, id, wire.Null(), wire.Int(0), wire.ExecName("printobject"), wire.ExecName("flush"))
	if err != nil {
		return err
	}
	return session.Await(ctx, id, nil)
}

func cliHandlers(logger *slog.Logger) dps.Handlers {
	return dps.Handlers{
		Text: func(_ dps.ContextID, text []byte) {
			os.Stdout.Write(text)
		},
		Status: func(id dps.ContextID, status channel.Status) {
			logger.Debug("context status", "context", id, "status", status)
		},
		Ready: func(id dps.ContextID, data []int32) {
			logger.Info("context ready", "context", id, "data", data)
		},
		Output: func(id dps.ContextID, record wire.Record) {
			logger.Info("unexpected result record", "context", id, "objects", len(record.Objects))
		},
		Error: func(err error) {
			var classified *dps.Error
			if errors.As(err, &classified) {
				logger.Warn("context error", "context", classified.Context, "code", classified.Code.Error(), "error", classified.Err)
				return
			}
			logger.Warn("context error", "error", err)
		},
		Fatal: func(err error) {
			logger.Error("session lost", "error", err)
		},
	}
}
