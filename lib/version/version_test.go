// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestBuildString(t *testing.T) {
	build := Build{Version: "1.2.0", Revision: "abc123", Modified: true, Time: "2026-10-01T00:00:00Z", Go: "go1.25.6"}
	text := build.String()
	for _, want := range []string{
		"dpsx 1.2.0 (abc123-dirty, 2026-10-01T00:00:00Z)",
		fmt.Sprintf("protocol: %d..%d", ProtocolMin, ProtocolMax),
		"go: go1.25.6",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("String() = %q, want it to contain %q", text, want)
		}
	}
}

func TestCurrentFillsEveryField(t *testing.T) {
	build := Current()
	if build.Version == "" || build.Revision == "" || build.Time == "" || build.Go == "" {
		t.Errorf("Current() = %+v, want no empty fields", build)
	}
}

func TestNegotiate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		requested uint32
		reply     Reply
		downgrade bool
		want      Decision
		wantErr   bool
	}{
		{
			name:      "exact success",
			requested: ProtocolMax,
			reply:     Reply{Success: true, Server: ProtocolMax},
			want:      Decision{Version: ProtocolMax},
		},
		{
			name:      "failure names older supported version",
			requested: ProtocolMax,
			reply:     Reply{Success: false, Server: 5, Reason: "version mismatch"},
			want:      Decision{Version: 5, Retry: true},
		},
		{
			name:      "success at older version without compat flag retries",
			requested: ProtocolMax,
			reply:     Reply{Success: true, Server: 6},
			want:      Decision{Version: 6, Retry: true},
		},
		{
			name:      "success at older version with compat flag downgrades",
			requested: ProtocolMax,
			reply:     Reply{Success: true, Server: 6},
			downgrade: true,
			want:      Decision{Version: 6},
		},
		{
			name:      "newer peer is fatal",
			requested: ProtocolMax,
			reply:     Reply{Success: true, Server: ProtocolMax + 1},
			wantErr:   true,
		},
		{
			name:      "older than supported",
			requested: ProtocolMax,
			reply:     Reply{Success: false, Server: ProtocolMin - 1},
			wantErr:   true,
		},
		{
			name:      "refused at its own version",
			requested: 5,
			reply:     Reply{Success: false, Server: 5, Reason: "busy"},
			wantErr:   true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got, err := Negotiate(test.requested, test.reply, test.downgrade)
			if test.wantErr {
				if !errors.Is(err, ErrUnsupported) {
					t.Fatalf("Negotiate error = %v, want ErrUnsupported", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Negotiate: %v", err)
			}
			if got != test.want {
				t.Errorf("Negotiate = %+v, want %+v", got, test.want)
			}
		})
	}
}
