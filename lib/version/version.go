// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is the release version. Release builds set it with
// -ldflags -X; development builds report the module version instead.
var Version = "0.1.0-dev"

// Build describes the running binary.
type Build struct {
	Version  string
	Revision string
	Modified bool
	Time     string
	Go       string
}

// Current reads the build description from the binary's embedded
// module and VCS information.
func Current() Build {
	build := Build{Version: Version, Revision: "unknown", Time: "unknown", Go: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return build
	}
	if Version == "0.1.0-dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		build.Version = info.Main.Version
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			build.Revision = setting.Value
			if len(build.Revision) > 12 {
				build.Revision = build.Revision[:12]
			}
		case "vcs.modified":
			build.Modified = setting.Value == "true"
		case "vcs.time":
			build.Time = setting.Value
		}
	}
	return build
}

// String renders the build for `dpsx version`, with the protocol range
// this client negotiates.
func (b Build) String() string {
	var out strings.Builder
	revision := b.Revision
	if b.Modified {
		revision += "-dirty"
	}
	fmt.Fprintf(&out, "dpsx %s (%s, %s)\n", b.Version, revision, b.Time)
	fmt.Fprintf(&out, "  protocol: %d..%d\n", ProtocolMin, ProtocolMax)
	fmt.Fprintf(&out, "  go: %s %s/%s", b.Go, runtime.GOOS, runtime.GOARCH)
	return out.String()
}
