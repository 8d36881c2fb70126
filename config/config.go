// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the validator's static configuration, per
// spec.md §6's recognized options: the committee, the fault tolerance
// f, the pacemaker timing parameters, the leader-election window, and
// the checkpoint file path.
package config

import (
	"fmt"
	"time"

	aleobft "github.com/luxfi/aleobft"
)

// Config is the full configuration a Validator is constructed from.
type Config struct {
	// Self is this process's own committee address.
	Self aleobft.Address

	// Committee is the ordered 3f+1 validator set.
	Committee []aleobft.Address

	// F is the maximum number of Byzantine validators tolerated.
	F int

	// BaseRoundTimeout is the minimum round timer duration, used as is
	// only when commit_gap (current round minus the last committed
	// block's round) is 0.
	BaseRoundTimeout time.Duration

	// BetaCommitGap scales the round timer by how many rounds have
	// elapsed since the last commit, per spec.md §4.3's T = base +
	// beta * commit_gap.
	BetaCommitGap time.Duration

	// WindowSize is how many committed blocks back leader.Election walks
	// to collect active QC signers for a reputation override. Must be
	// at least 1.
	WindowSize int

	// ExcludeSize is how many of the most recently committed blocks'
	// authors are excluded from a reputation override pick. Must
	// satisfy f <= exclude_size < 2f (0 when f=0).
	ExcludeSize int

	// CheckpointPath is where safety scalars are persisted. Empty
	// disables checkpointing (every restart starts from genesis,
	// intended only for tests and the example harness).
	CheckpointPath string
}

// Validate checks Config for the constraints spec.md §6 requires of a
// well-formed configuration.
func (c Config) Validate() error {
	want := 3*c.F + 1
	if c.F < 0 {
		return fmt.Errorf("config: f must be non-negative, got %d", c.F)
	}
	if len(c.Committee) != want {
		return fmt.Errorf("config: need 3f+1=%d committee members for f=%d, got %d", want, c.F, len(c.Committee))
	}
	found := false
	for _, m := range c.Committee {
		if m == c.Self {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: self %s is not a member of the committee", c.Self)
	}
	if c.BaseRoundTimeout <= 0 {
		return fmt.Errorf("config: base round timeout must be positive, got %s", c.BaseRoundTimeout)
	}
	if c.BetaCommitGap < 0 {
		return fmt.Errorf("config: beta commit gap must be non-negative, got %s", c.BetaCommitGap)
	}
	if c.WindowSize < 1 {
		return fmt.Errorf("config: window size must be at least 1, got %d", c.WindowSize)
	}
	if c.F == 0 {
		if c.ExcludeSize != 0 {
			return fmt.Errorf("config: exclude size must be 0 when f=0, got %d", c.ExcludeSize)
		}
	} else if c.ExcludeSize < c.F || c.ExcludeSize >= 2*c.F {
		return fmt.Errorf("config: exclude size must satisfy f <= exclude_size < 2f (f=%d), got %d", c.F, c.ExcludeSize)
	}
	return nil
}
