// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/lib/codec"
	"github.com/dpsx-project/dpsx/trace"
)

func traceDumpCommand(args []string, out io.Writer) error {
	var limit int
	flagSet := pflag.NewFlagSet("dpsx trace dump", pflag.ContinueOnError)
	flagSet.IntVar(&limit, "bytes", 64, "raw payload bytes to show per frame (0 shows all)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: dpsx trace dump [--bytes N] FILE")
	}

	file, err := os.Open(flagSet.Arg(0))
	if err != nil {
		return err
	}
	defer file.Close()
	return dumpTrace(file, out, limit)
}

func dumpTrace(in io.Reader, out io.Writer, limit int) error {
	reader, err := trace.NewReader(in)
	if err != nil {
		return err
	}
	header := reader.Header()
	fmt.Fprintf(out, "trace %s created %s", header.ID, time.Unix(0, header.Created).UTC().Format(time.RFC3339Nano))
	if header.Label != "" {
		fmt.Fprintf(out, " (%s)", header.Label)
	}
	fmt.Fprintln(out)

	count := 0
	for {
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("after %d records: %w", count, err)
		}
		count++
		stamp := time.Unix(0, record.Time).UTC().Format("15:04:05.000000")
		fmt.Fprintf(out, "%s %-6s %-3s %-12s %s\n", stamp, record.Channel, record.Direction, record.Op, describePayload(record, limit))
	}
	fmt.Fprintf(out, "%d records in %d chunks\n", count, reader.Chunks())
	return nil
}

func describePayload(record trace.Record, limit int) string {
	if !record.Op.Raw() {
		if len(record.Payload) == 0 {
			return ""
		}
		text, err := codec.Diagnose(record.Payload)
		if err != nil {
			return fmt.Sprintf("<undecodable %d bytes: %v>", len(record.Payload), err)
		}
		return text
	}
	context, data, err := channel.SplitContextPayload(record.Payload)
	if err != nil {
		return fmt.Sprintf("<malformed: %v>", err)
	}
	shown := data
	suffix := ""
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
		suffix = fmt.Sprintf("... (%d bytes)", len(data))
	}
	return fmt.Sprintf("ctx=%d %q%s", context, shown, suffix)
}
