// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source DPSX components take instead of
// calling the time package directly. Production code passes Real();
// tests pass Fake() and step time with Advance.
//
// The session uses a Clock for the reset backoff loop and for trace
// timestamps:
//
//	session, err := dps.Open(ctx, dps.Options{Clock: clock.Real(), ...})
//
// In tests:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go func() { done <- space.Reset(ctx, context) }()
//	fake.WaitForTimers(1)               // the backoff sleep is pending
//	fake.Advance(10 * time.Millisecond) // fire it
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
