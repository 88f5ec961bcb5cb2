// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML file that describes one DPSX session:
// where the display server and the optional agent listen, which
// encodings new contexts use, how graphics state is flushed, which
// barrier guards agent writes, and where traffic traces go.
//
// Configuration comes from a single file named either by the
// DPSX_CONFIG environment variable (via [Load]) or by a --config flag
// (via [LoadFile]). There is no discovery. Values absent from the file
// keep the [Default] values, so an empty file is a valid configuration
// for a server-only session on the default socket.
//
// ${HOME}, ${XDG_RUNTIME_DIR}, and ${VAR:-default} patterns are
// expanded in addresses and paths after loading.
//
// This package depends on no other DPSX packages; enum values are
// checked by name here and converted by the packages that own them.
package config
