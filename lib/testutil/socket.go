// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// SocketPair returns two connected unix stream sockets. Both are
// closed when the test completes.
func SocketPair(t testing.TB) (net.Conn, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	local := fileConn(t, fds[0], "local")
	remote := fileConn(t, fds[1], "remote")
	return local, remote
}

func fileConn(t testing.TB, fd int, name string) net.Conn {
	t.Helper()
	file := os.NewFile(uintptr(fd), name)
	// FileConn dups the descriptor; the file is no longer needed.
	connection, err := net.FileConn(file)
	file.Close()
	if err != nil {
		t.Fatalf("wrapping %s socket: %v", name, err)
	}
	t.Cleanup(func() { connection.Close() })
	return connection
}

// SocketDir creates a short temporary directory for socket files and
// removes it when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "dpsx-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
