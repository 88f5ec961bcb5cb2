// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package coord

import "fmt"

// Policy selects the barrier an operation needs. Operations whose
// result depends on drawable state use PolicyReconcile or PolicySync;
// state-independent ones such as status queries use PolicyNone.
type Policy uint8

const (
	PolicyNone Policy = iota
	PolicyReconcile
	PolicySync
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyReconcile:
		return "reconcile"
	case PolicySync:
		return "sync"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses a configuration value.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "none":
		return PolicyNone, nil
	case "reconcile", "":
		return PolicyReconcile, nil
	case "sync":
		return PolicySync, nil
	default:
		return 0, fmt.Errorf("unknown barrier policy %q (want none, reconcile, or sync)", s)
	}
}
