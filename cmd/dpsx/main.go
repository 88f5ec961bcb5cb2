// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Dpsx runs PostScript programs on a display server or agent and
// inspects traces of the traffic.
//
// Usage:
//
//	dpsx run [flags] FILE...
//	dpsx trace dump FILE
//	dpsx version
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/dpsx-project/dpsx/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("a command is required")
	}
	switch args[0] {
	case "run":
		return runCommand(args[1:])
	case "trace":
		if len(args) < 2 || args[1] != "dump" {
			return fmt.Errorf("usage: dpsx trace dump FILE")
		}
		return traceDumpCommand(args[2:], os.Stdout)
	case "version", "--version":
		fmt.Println(version.Current())
		return nil
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `dpsx runs PostScript on a Display PostScript server or agent.

Usage:
  dpsx run [flags] FILE...   send each FILE to a new context and wait for it
  dpsx trace dump FILE       print the frames recorded in a trace
  dpsx version               print version information

Run "dpsx run --help" for the run flags.
`)
}
