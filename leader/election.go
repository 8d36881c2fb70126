// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package leader implements leader election of spec.md §4.4: a
// round-robin base schedule (two rounds per leader) with a
// reputation-based override that kicks in once the chain has
// demonstrated three consecutive certified rounds, restated from
// _examples/original_source/consensus/src/validator.rs's
// get_leader/update_leaders.
package leader

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	aleobft "github.com/luxfi/aleobft"
	"github.com/luxfi/aleobft/committee"
	"github.com/luxfi/aleobft/telemetry"
)

// roundsPerLeader is how many consecutive rounds the round-robin
// schedule assigns to the same leader before rotating, per spec.md
// §4.4.
const roundsPerLeader = 2

// History answers spec.md §4.4's "walk backward through the committed
// chain" for up to n of the most recently committed blocks,
// most-recent first. blocktree.Tree.CommittedWindow satisfies this.
type History func(n int) []aleobft.CommitRecord

// Election tracks the round-robin schedule and any reputation
// overrides computed from recent chain health.
type Election struct {
	mu sync.Mutex

	committee   *committee.Committee
	history     History
	windowSize  int // how many committed blocks back the "active" signer walk covers
	excludeSize int // how many of the most recent committed blocks' authors are excluded from the override pick
	log         telemetry.Logger

	overrides   map[aleobft.Round]aleobft.Address
	recentChain []aleobft.Round // rounds of the most recently processed consecutive QC chain
}

// Config bundles Election construction parameters.
type Config struct {
	Committee   *committee.Committee
	History     History
	WindowSize  int
	ExcludeSize int
	Log         telemetry.Logger
}

// New creates an Election with an empty override table.
func New(cfg Config) *Election {
	log := cfg.Log
	if log == nil {
		log = telemetry.NewNoOpLogger()
	}
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = 10
	}
	excludeSize := cfg.ExcludeSize
	if excludeSize < 0 {
		excludeSize = 0
	}
	return &Election{
		committee:   cfg.Committee,
		history:     cfg.History,
		windowSize:  windowSize,
		excludeSize: excludeSize,
		log:         log,
		overrides:   make(map[aleobft.Round]aleobft.Address),
	}
}

// roundRobinLeader is the base schedule: committee members serve
// roundsPerLeader consecutive rounds each, in committee order.
func (e *Election) roundRobinLeader(round aleobft.Round) aleobft.Address {
	slot := int(round) / roundsPerLeader
	return e.committee.At(slot)
}

// GetLeader returns the leader for round: a reputation override if one
// has been computed for it, else the round-robin schedule.
func (e *Election) GetLeader(round aleobft.Round) aleobft.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	if addr, ok := e.overrides[round]; ok {
		return addr
	}
	return e.roundRobinLeader(round)
}

// UpdateLeaders folds a freshly-formed QC into the recent-chain window
// and, once qc shows a three-consecutive-round chain
// (`qc.parent_round + 1 == qc.round`, the block and its immediate
// parent are consecutive rounds, stacked on the two prior consecutive
// QCs already required to have committed that parent), computes a
// reputation override for `qc.round + 1` per spec.md §4.4.
//
// The override is picked from `active \ excluded`: active is every
// validator whose signature appears on a QC within the last
// windowSize committed blocks, excluded is the set of authors of the
// last excludeSize committed blocks. The pick is deterministic,
// seeded by `qc.vote_info.round`, so every validator that observes the
// same qc computes the same override without a shared source of
// randomness.
func (e *Election) UpdateLeaders(qc *aleobft.QuorumCertificate) {
	if qc == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	round := qc.VoteInfo.Round
	if n := len(e.recentChain); n > 0 && e.recentChain[n-1]+1 != round {
		e.recentChain = e.recentChain[:0]
	}
	e.recentChain = append(e.recentChain, round)
	if len(e.recentChain) > 3 {
		e.recentChain = e.recentChain[len(e.recentChain)-3:]
	}
	if len(e.recentChain) < 3 || qc.VoteInfo.ParentRound+1 != round || e.history == nil {
		return
	}

	active := make(map[aleobft.Address]bool)
	for _, rec := range e.history(e.windowSize) {
		for _, signer := range rec.Signers {
			active[signer] = true
		}
	}
	excluded := make(map[aleobft.Address]bool, e.excludeSize)
	for _, rec := range e.history(e.excludeSize) {
		excluded[rec.Author] = true
	}

	candidates := make([]aleobft.Address, 0, len(active))
	for addr := range active {
		if !excluded[addr] {
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].String() < candidates[j].String() })

	h := fnv.New64a()
	h.Write([]byte(fmt.Sprintf("%d", round)))
	pick := candidates[int(h.Sum64()%uint64(len(candidates)))]

	target := round + 1
	e.overrides[target] = pick
	e.log.Debug("computed reputation leader override", "round", uint64(target), "leader", pick.String())
}

// Clear drops the override for round, e.g. once it has been consumed
// or superseded.
func (e *Election) Clear(round aleobft.Round) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.overrides, round)
}
