// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package committee represents the fixed validator set a consensus
// round runs over. It is a deliberately small, ordered-slice
// realization of the teacher's validators.Manager (which indexes a
// weighted, dynamic validator set by ids.NodeID) — this protocol's
// committee is fixed for the lifetime of a configuration, so the
// manager's add/remove/weight-change machinery is not needed; only
// the ordered index (for round-robin leader selection) and membership
// lookup are.
package committee

import (
	"fmt"

	aleobft "github.com/luxfi/aleobft"
)

// Committee is an ordered, fixed set of 3f+1 validator addresses.
type Committee struct {
	members []aleobft.Address
	index   map[aleobft.Address]int
	f       int
}

// New builds a Committee from an ordered validator list and the
// maximum number of faulty validators f. It requires len(members) ==
// 3f+1, matching spec.md §6's configuration contract.
func New(members []aleobft.Address, f int) (*Committee, error) {
	if f < 0 {
		return nil, fmt.Errorf("committee: f must be non-negative, got %d", f)
	}
	want := 3*f + 1
	if len(members) != want {
		return nil, fmt.Errorf("committee: need 3f+1=%d members for f=%d, got %d", want, f, len(members))
	}
	index := make(map[aleobft.Address]int, len(members))
	for i, m := range members {
		if _, dup := index[m]; dup {
			return nil, fmt.Errorf("committee: duplicate member %s", m)
		}
		index[m] = i
	}
	cp := make([]aleobft.Address, len(members))
	copy(cp, members)
	return &Committee{members: cp, index: index, f: f}, nil
}

// F returns the committee's fault tolerance.
func (c *Committee) F() int { return c.f }

// N returns the committee size, 3f+1.
func (c *Committee) N() int { return len(c.members) }

// QuorumSize returns 2f+1, the number of signatures required to form a
// QC or TC.
func (c *Committee) QuorumSize() int { return 2*c.f + 1 }

// BrachaSize returns f+1, the number of timeouts that trigger a Bracha
// amplification timeout.
func (c *Committee) BrachaSize() int { return c.f + 1 }

// Member reports whether addr belongs to the committee.
func (c *Committee) Member(addr aleobft.Address) bool {
	_, ok := c.index[addr]
	return ok
}

// At returns the i-th member in committee order, wrapping modulo N.
func (c *Committee) At(i int) aleobft.Address {
	n := len(c.members)
	return c.members[((i%n)+n)%n]
}

// Members returns a defensive copy of the ordered member list.
func (c *Committee) Members() []aleobft.Address {
	cp := make([]aleobft.Address, len(c.members))
	copy(cp, c.members)
	return cp
}
