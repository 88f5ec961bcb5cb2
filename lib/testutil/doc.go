// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by DPSX package tests.
//
// [SocketPair] returns two connected stream sockets with real file
// descriptors, so channel tests exercise the same readiness polling
// path production uses. [SocketDir] makes a short directory for
// socket files, since sun_path is limited to 108 bytes.
//
// [RequireReceive] wraps the select-with-timeout pattern tests use
// when a fake peer goroutine reports back. It is the only place in the
// suite that waits on wall-clock time.
//
// All helpers call t.Fatalf on failure.
package testutil
