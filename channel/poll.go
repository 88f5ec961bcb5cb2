// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// readGrace is the read deadline used after poll reports a
	// descriptor readable, and the whole wait for a zero timeout on
	// transports without descriptors.
	readGrace = 10 * time.Millisecond

	// sliceLength bounds each read when several descriptor-less
	// channels are waited on together.
	sliceLength = 10 * time.Millisecond
)

// Poll waits up to timeout for any of the channels to have a received
// frame queued. A negative timeout waits indefinitely; zero only checks
// what is already readable. It returns true as soon as a frame is
// queued on any channel, including frames that were already queued.
//
// An error is returned only when every channel has failed and none has
// anything queued, or when poll itself fails.
func Poll(timeout time.Duration, channels ...*Channel) (bool, error) {
	if anyPending(channels) {
		return true, nil
	}
	if err := Wait(timeout, channels...); err != nil {
		if anyPending(channels) {
			return true, nil
		}
		return false, err
	}
	return anyPending(channels), nil
}

func anyPending(channels []*Channel) bool {
	for _, channel := range channels {
		if channel != nil && channel.Pending() {
			return true
		}
	}
	return false
}

// Wait performs one readiness wait over the live channels and reads
// whatever became available, returning after the first read or when
// timeout expires. Unlike [Poll] it does not return early for frames
// already queued, so a caller looking for one particular frame can
// wait for more input while others sit in the queue.
func Wait(timeout time.Duration, channels ...*Channel) error {
	var live []*Channel
	var firstErr error
	for _, channel := range channels {
		if channel == nil {
			continue
		}
		if channel.err != nil {
			if firstErr == nil {
				firstErr = channel.err
			}
			continue
		}
		live = append(live, channel)
	}
	if len(live) == 0 {
		if firstErr == nil {
			firstErr = errors.New("channel: nothing to poll")
		}
		return firstErr
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	descriptors := make([]unix.PollFd, 0, len(live))
	for _, channel := range live {
		fd, ok := channel.fd()
		if !ok {
			return waitByReading(live, timeout, deadline)
		}
		descriptors = append(descriptors, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return waitByPolling(live, descriptors, timeout, deadline)
}

func waitByPolling(live []*Channel, descriptors []unix.PollFd, timeout time.Duration, deadline time.Time) error {
	for {
		milliseconds := -1
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			milliseconds = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}
		count, err := unix.Poll(descriptors, milliseconds)
		if err != nil {
			if err == unix.EINTR {
				if timeout >= 0 && !time.Now().Before(deadline) {
					return nil
				}
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if count == 0 {
			return nil
		}
		for i := range descriptors {
			if descriptors[i].Revents != 0 {
				live[i].readOnce(time.Now().Add(readGrace))
			}
		}
		return nil
	}
}

// waitByReading serves transports that expose no descriptor, such as
// in-memory pipes. A single channel blocks in Read under the deadline;
// several channels take turns in short slices.
func waitByReading(live []*Channel, timeout time.Duration, deadline time.Time) error {
	if timeout == 0 {
		deadline = time.Now().Add(readGrace)
	}
	if len(live) == 1 {
		live[0].readOnce(deadline)
		return nil
	}
	for {
		for _, channel := range live {
			slice := time.Now().Add(sliceLength)
			if !deadline.IsZero() && deadline.Before(slice) {
				slice = deadline
			}
			channel.readOnce(slice)
			if channel.Pending() || channel.err != nil {
				return nil
			}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil
		}
	}
}
