// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	aleobft "github.com/luxfi/aleobft"
	"github.com/luxfi/aleobft/adapters/memcrypto"
	"github.com/luxfi/aleobft/adapters/memledger"
	"github.com/luxfi/aleobft/config"
	"github.com/luxfi/ids"
)

// loopbackTransport wires every validator in a test network together
// synchronously, simulating a zero-latency fully connected network.
type loopbackTransport struct {
	mu         sync.Mutex
	self       aleobft.Address
	validators map[aleobft.Address]*Validator
}

func (t *loopbackTransport) peers() []*Validator {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Validator, 0, len(t.validators))
	for addr, v := range t.validators {
		if addr != t.self {
			out = append(out, v)
		}
	}
	return out
}

func (t *loopbackTransport) BroadcastPropose(p aleobft.Propose) {
	for _, v := range t.peers() {
		v.SubmitPropose(p)
	}
}

func (t *loopbackTransport) SendVote(to aleobft.Address, vote aleobft.Vote) {
	t.mu.Lock()
	v, ok := t.validators[to]
	t.mu.Unlock()
	if ok {
		v.SubmitVote(vote)
	}
}

func (t *loopbackTransport) BroadcastTimeout(tmo aleobft.Timeout) {
	for _, v := range t.peers() {
		v.SubmitTimeout(tmo)
	}
}

// network builds n validators (n == 3f+1) wired over loopbackTransport
// and in-memory adapters sharing one genesis.
func newNetwork(t *testing.T, n, f int) ([]*Validator, map[aleobft.Address]*memledger.Ledger) {
	t.Helper()

	members := make([]aleobft.Address, n)
	for i := range members {
		members[i] = ids.GenerateTestNodeID()
	}
	keys := memcrypto.NewKeyRing()

	genesisHash := aleobft.Digest{}
	genesisState := aleobft.Digest{1}
	genesisBlock := &aleobft.Block{Round: 0, Hash: genesisHash}

	registry := make(map[aleobft.Address]*Validator, n)
	ledgers := make(map[aleobft.Address]*memledger.Ledger, n)

	for _, self := range members {
		signer := memcrypto.NewSigner(self, keys)
		ledger := memledger.New(signer, genesisHash, genesisState)
		mempool := memledger.NewMempool()
		mempool.Submit([]byte("tx"))

		cfg := config.Config{
			Self:             self,
			Committee:        members,
			F:                f,
			BaseRoundTimeout: 200 * time.Millisecond,
			BetaCommitGap:    100 * time.Millisecond,
			WindowSize:       10,
			ExcludeSize:      f,
		}
		transport := &loopbackTransport{self: self, validators: registry}
		v, err := New(cfg, Genesis{Block: genesisBlock, StateID: genesisState}, ledger, mempool, signer, transport, nil, nil)
		require.NoError(t, err)

		registry[self] = v
		ledgers[self] = ledger
	}

	out := make([]*Validator, 0, n)
	for _, self := range members {
		out = append(out, registry[self])
	}
	return out, ledgers
}

func TestFourValidatorNetworkCommitsBlocks(t *testing.T) {
	validators, ledgers := newNetwork(t, 4, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, v := range validators {
		wg.Add(1)
		go func(v *Validator) {
			defer wg.Done()
			_ = v.Run(ctx)
		}(v)
	}
	wg.Wait()

	for self, ledger := range ledgers {
		require.NotEqual(t, aleobft.Digest{1}, ledger.Committed(), "validator %s never advanced past genesis state", self)
	}
}

// --- Scenario tests (spec.md §8's S1-S6), driven synchronously -----
//
// Each validator's unexported handlePropose/handleVote/handleTimeout/
// processQC/maybePropose are called directly from this in-package test
// file rather than through Run()'s goroutine-driven event loop, so each
// scenario's exact message sequence is asserted deterministically
// instead of raced against the channel-based dispatcher.

// recordingTransport captures every outbound message a Validator sends
// instead of delivering it, so a test can inspect and selectively
// redeliver messages between validators.
type recordingTransport struct {
	mu       sync.Mutex
	proposes []aleobft.Propose
	votes    []sentVote
	timeouts []aleobft.Timeout
}

type sentVote struct {
	to   aleobft.Address
	vote aleobft.Vote
}

func (t *recordingTransport) BroadcastPropose(p aleobft.Propose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proposes = append(t.proposes, p)
}

func (t *recordingTransport) SendVote(to aleobft.Address, vote aleobft.Vote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.votes = append(t.votes, sentVote{to: to, vote: vote})
}

func (t *recordingTransport) BroadcastTimeout(tmo aleobft.Timeout) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeouts = append(t.timeouts, tmo)
}

func (t *recordingTransport) lastPropose() aleobft.Propose {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proposes[len(t.proposes)-1]
}

func (t *recordingTransport) votesTo(addr aleobft.Address) []aleobft.Vote {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []aleobft.Vote
	for _, sv := range t.votes {
		if sv.to == addr {
			out = append(out, sv.vote)
		}
	}
	return out
}

func (t *recordingTransport) lastTimeout() aleobft.Timeout {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeouts[len(t.timeouts)-1]
}

// syncCluster is a committee of validators wired to recordingTransports
// instead of a live network, for scenario tests that drive message
// delivery by hand.
type syncCluster struct {
	t            *testing.T
	members      []aleobft.Address
	validators   map[aleobft.Address]*Validator
	transports   map[aleobft.Address]*recordingTransport
	ledgers      map[aleobft.Address]*memledger.Ledger
	genesisState aleobft.Digest
}

func newSyncCluster(t *testing.T, n, f int) *syncCluster {
	t.Helper()

	members := make([]aleobft.Address, n)
	for i := range members {
		members[i] = ids.GenerateTestNodeID()
	}
	keys := memcrypto.NewKeyRing()

	genesisHash := aleobft.Digest{}
	genesisState := aleobft.Digest{1}
	genesisBlock := &aleobft.Block{Round: 0, Hash: genesisHash}

	c := &syncCluster{
		t:            t,
		members:      members,
		validators:   make(map[aleobft.Address]*Validator, n),
		transports:   make(map[aleobft.Address]*recordingTransport, n),
		ledgers:      make(map[aleobft.Address]*memledger.Ledger, n),
		genesisState: genesisState,
	}

	for _, self := range members {
		signer := memcrypto.NewSigner(self, keys)
		ledger := memledger.New(signer, genesisHash, genesisState)
		mempool := memledger.NewMempool()
		mempool.Submit([]byte("tx"))
		transport := &recordingTransport{}

		cfg := config.Config{
			Self:             self,
			Committee:        members,
			F:                f,
			BaseRoundTimeout: time.Hour, // scenario tests drive timers by hand; never let one fire on its own
			BetaCommitGap:    time.Hour,
			WindowSize:       10,
			ExcludeSize:      f,
		}
		v, err := New(cfg, Genesis{Block: genesisBlock, StateID: genesisState}, ledger, mempool, signer, transport, nil, nil)
		require.NoError(t, err)
		v.pacemaker.StopTimer() // undo the timer New→Run would otherwise arm; this cluster never calls Run

		c.validators[self] = v
		c.transports[self] = transport
		c.ledgers[self] = ledger
	}
	return c
}

// leaderFor returns the committee's computed leader for round (every
// validator agrees, since none has yet diverged on reputation
// overrides unless the test has driven one).
func (c *syncCluster) leaderFor(round aleobft.Round) aleobft.Address {
	return c.validators[c.members[0]].election.GetLeader(round)
}

// others returns every member except addr.
func (c *syncCluster) others(addr aleobft.Address) []aleobft.Address {
	out := make([]aleobft.Address, 0, len(c.members)-1)
	for _, m := range c.members {
		if m != addr {
			out = append(out, m)
		}
	}
	return out
}

// bootstrapRound1 has round 1's leader build and broadcast its
// proposal, the network's very first message.
func (c *syncCluster) bootstrapRound1(ctx context.Context) aleobft.Propose {
	leader := c.leaderFor(1)
	c.validators[leader].maybePropose(ctx, 1)
	return c.transports[leader].lastPropose()
}

// deliverProposeAndAdvance delivers p to every validator but its
// author, collects the votes they send to p.Block.Round+1's leader,
// and delivers those votes to that leader — forming its QC and, since
// it leads the next round, returning the propose that triggers.
func (c *syncCluster) deliverProposeAndAdvance(ctx context.Context, p aleobft.Propose) aleobft.Propose {
	round := p.Block.Round
	nextLeader := c.leaderFor(round + 1)

	for _, addr := range c.others(p.Sender) {
		require.NoError(c.t, c.validators[addr].handlePropose(ctx, p))
	}

	var votes []aleobft.Vote
	for _, addr := range c.others(p.Sender) {
		votes = append(votes, c.transports[addr].votesTo(nextLeader)...)
	}
	for _, vote := range votes {
		require.NoError(c.t, c.validators[nextLeader].handleVote(ctx, vote))
	}
	return c.transports[nextLeader].lastPropose()
}

// TestS1HappyPathCommit is spec.md §8's S1: round 1's block is
// committed once round 2's QC closes the two-chain over it.
func TestS1HappyPathCommit(t *testing.T) {
	ctx := context.Background()
	c := newSyncCluster(t, 4, 1)

	p1 := c.bootstrapRound1(ctx)
	p2 := c.deliverProposeAndAdvance(ctx, p1)
	committer := c.leaderFor(3)
	c.deliverProposeAndAdvance(ctx, p2)

	ledger := c.ledgers[committer]
	want, ok := ledger.PendingState(ctx, p1.Block.Hash)
	require.True(t, ok, "committing validator never tracked round 1's speculative state")
	require.Equal(t, want, ledger.Committed())
	require.NotEqual(t, c.genesisState, ledger.Committed())
}

// newClusterAtRound3 builds a cluster where every validator has
// already inserted blocks for rounds 1 and 2 and processed a
// non-committing qc2 (round 2, parent round 1), landing everyone at
// current_round == 3 with high_qc == qc2 — the shared precondition for
// S2, S3 and S4.
func newClusterAtRound3(t *testing.T) (*syncCluster, *aleobft.QuorumCertificate) {
	t.Helper()
	ctx := context.Background()
	c := newSyncCluster(t, 4, 1)

	block1Hash := aleobft.Digest{0xB1}
	block2Hash := aleobft.Digest{0xB2}
	qc1 := &aleobft.QuorumCertificate{VoteInfo: aleobft.VoteInfo{ID: block1Hash, Round: 1, ParentRound: 0}}
	qc2 := &aleobft.QuorumCertificate{VoteInfo: aleobft.VoteInfo{ID: block2Hash, Round: 2, ParentRound: 1}}

	for _, addr := range c.members {
		v := c.validators[addr]
		b1 := &aleobft.Block{Author: c.leaderFor(1), Round: 1, Hash: block1Hash}
		require.NoError(t, v.tree.ExecuteAndInsert(ctx, b1, v.ledger))
		b2 := &aleobft.Block{Author: c.leaderFor(2), Round: 2, QC: qc1, Hash: block2Hash}
		require.NoError(t, v.tree.ExecuteAndInsert(ctx, b2, v.ledger))
		require.NoError(t, v.processQC(ctx, qc2))
	}
	return c, qc2
}

// TestS2LeaderSilentTCDrivenAdvance is spec.md §8's S2: round 3's
// leader never proposes; once three validators' round timers fire and
// their timeouts reach a single peer, that peer forms tc3 and advances
// to round 4 without committing anything new.
func TestS2LeaderSilentTCDrivenAdvance(t *testing.T) {
	ctx := context.Background()
	c, _ := newClusterAtRound3(t)

	leader3 := c.leaderFor(3)
	timingOut := c.others(leader3) // leader3 itself stays silent

	var timeouts []aleobft.Timeout
	for _, addr := range timingOut {
		require.NoError(t, c.validators[addr].pacemaker.LocalTimeoutRound())
		timeouts = append(timeouts, c.transports[addr].lastTimeout())
	}
	require.Len(t, timeouts, 3)

	leaderV := c.validators[leader3]
	for _, tmo := range timeouts {
		require.NoError(t, leaderV.handleTimeout(ctx, tmo))
	}

	require.Equal(t, aleobft.Round(4), leaderV.pacemaker.CurrentRound())
	tc := leaderV.pacemaker.LastRoundTC()
	require.NotNil(t, tc)
	require.Equal(t, aleobft.Round(3), tc.Round)
	require.Equal(t, c.genesisState, c.ledgers[leader3].Committed(), "no commit should occur on a TC-driven advance")
}

// TestS3SafeVoteUnderTC is spec.md §8's S3: round 4's leader proposes
// extending qc2 under tc3, whose contributing timeouts all held qc2 —
// safe_to_extend holds since qc2.round (2) >= tc3.MaxHighQCRound() (2)
// and round 4 is consecutive with tc3.Round (3) — so honest validators
// vote.
func TestS3SafeVoteUnderTC(t *testing.T) {
	ctx := context.Background()
	c, qc2 := newClusterAtRound3(t)

	tc3 := &aleobft.TimeoutCertificate{Round: 3, HighQCRounds: []aleobft.Round{2, 2, 2}}
	leader4 := c.leaderFor(4)
	block4 := &aleobft.Block{Author: leader4, Round: 4, QC: qc2, Hash: aleobft.Digest{0xB4}}
	propose := aleobft.Propose{Block: block4, LastRoundTC: tc3, Sender: leader4}

	for _, addr := range c.others(leader4) {
		require.NoError(t, c.validators[addr].handlePropose(ctx, propose))
		votes := c.transports[addr].votesTo(c.leaderFor(5))
		require.Len(t, votes, 1, "validator %s should have voted for block 4", addr)
		require.Equal(t, aleobft.Round(4), votes[0].VoteInfo.Round)
	}
}

// TestS4RefusesUnsafeVote is spec.md §8's S4: a block at round 5
// extending a qc at round 2 with no accompanying TC is neither
// consecutive nor extendable, so safe_to_vote refuses it and no vote
// is emitted — the propose is absorbed, not errored.
func TestS4RefusesUnsafeVote(t *testing.T) {
	ctx := context.Background()
	c, qc2 := newClusterAtRound3(t)

	leader5 := c.leaderFor(5)
	block5 := &aleobft.Block{Author: leader5, Round: 5, QC: qc2, Hash: aleobft.Digest{0xB5}}
	propose := aleobft.Propose{Block: block5, Sender: leader5}

	voter := c.others(leader5)[0]
	require.NoError(t, c.validators[voter].handlePropose(ctx, propose))
	require.Empty(t, c.transports[voter].votes, "no vote should be sent for an unsafe extension")
}

// TestS5EquivocationResistance is spec.md §8's S5: a Byzantine leader
// sends conflicting proposals for the same round to disjoint subsets
// of the committee. No single block can collect a quorum of votes
// split this way, so no QC ever forms for the round.
func TestS5EquivocationResistance(t *testing.T) {
	ctx := context.Background()
	c := newSyncCluster(t, 4, 1)

	leader1 := c.leaderFor(1)
	others := c.others(leader1) // exactly 3 honest validators
	leaderTree := c.validators[leader1].tree

	blockX := leaderTree.GenerateBlock(leader1, 1, aleobft.Payload("X"))
	blockY := leaderTree.GenerateBlock(leader1, 1, aleobft.Payload("Y"))
	require.NotEqual(t, blockX.Hash, blockY.Hash)

	proposeX := aleobft.Propose{Block: blockX, Sender: leader1}
	proposeY := aleobft.Propose{Block: blockY, Sender: leader1}

	// Two honest validators see X, the third sees Y — spec.md's A,B vs D split.
	require.NoError(t, c.validators[others[0]].handlePropose(ctx, proposeX))
	require.NoError(t, c.validators[others[1]].handlePropose(ctx, proposeX))
	require.NoError(t, c.validators[others[2]].handlePropose(ctx, proposeY))

	nextLeader := c.leaderFor(2)
	var votes []aleobft.Vote
	for _, addr := range others {
		votes = append(votes, c.transports[addr].votesTo(nextLeader)...)
	}
	require.Len(t, votes, 3)

	for _, vote := range votes {
		_ = c.validators[nextLeader].handleVote(ctx, vote) // conflicting votes are dropped with an error, not fatal
	}
	require.Nil(t, c.validators[nextLeader].tree.HighQC(), "no block should reach quorum when votes split across two proposals")
}

// TestS6ReputationLeaderOverride is spec.md §8's S6: after three
// consecutive-round commits, update_leaders computes a reputation
// override for the following round from active signers minus the most
// recently committed blocks' authors, driven end to end through
// Validator.processQC (block tree -> commit history -> leader
// election), not just the leader package in isolation.
func TestS6ReputationLeaderOverride(t *testing.T) {
	ctx := context.Background()
	c := newSyncCluster(t, 4, 1)
	v := c.validators[c.members[0]]

	allSigned := make([]aleobft.VoteSignature, len(c.members))
	for i, m := range c.members {
		allSigned[i] = aleobft.VoteSignature{Voter: m}
	}

	block1 := &aleobft.Block{Author: c.members[0], Round: 1, Hash: aleobft.Digest{0x01}}
	require.NoError(t, v.tree.ExecuteAndInsert(ctx, block1, v.ledger))

	qc1 := &aleobft.QuorumCertificate{VoteInfo: aleobft.VoteInfo{ID: block1.Hash, Round: 1, ParentRound: 0}}
	block2 := &aleobft.Block{Author: c.members[1], Round: 2, QC: qc1, Hash: aleobft.Digest{0x02}}
	require.NoError(t, v.tree.ExecuteAndInsert(ctx, block2, v.ledger))
	qc2 := &aleobft.QuorumCertificate{
		VoteInfo:         aleobft.VoteInfo{ID: block2.Hash, Round: 2, ParentRound: 1},
		LedgerCommitInfo: aleobft.LedgerCommitInfo{CommitStateID: aleobft.Digest{0xC1}},
		Signatures:       allSigned,
	}
	require.NoError(t, v.processQC(ctx, qc2)) // commits block1 (author members[0])

	block3 := &aleobft.Block{Author: c.members[2], Round: 3, QC: qc2, Hash: aleobft.Digest{0x03}}
	require.NoError(t, v.tree.ExecuteAndInsert(ctx, block3, v.ledger))
	qc3 := &aleobft.QuorumCertificate{
		VoteInfo:         aleobft.VoteInfo{ID: block3.Hash, Round: 3, ParentRound: 2},
		LedgerCommitInfo: aleobft.LedgerCommitInfo{CommitStateID: aleobft.Digest{0xC2}},
		Signatures:       allSigned,
	}
	require.NoError(t, v.processQC(ctx, qc3)) // commits block2 (author members[1])

	block4 := &aleobft.Block{Author: c.members[3], Round: 4, QC: qc3, Hash: aleobft.Digest{0x04}}
	require.NoError(t, v.tree.ExecuteAndInsert(ctx, block4, v.ledger))
	qc4 := &aleobft.QuorumCertificate{
		VoteInfo:         aleobft.VoteInfo{ID: block4.Hash, Round: 4, ParentRound: 3},
		LedgerCommitInfo: aleobft.LedgerCommitInfo{CommitStateID: aleobft.Digest{0xC3}},
		Signatures:       allSigned,
	}
	require.NoError(t, v.processQC(ctx, qc4)) // commits block3 (author members[2]); third consecutive commit

	excludedAuthor := c.members[2]
	override := v.election.GetLeader(5)
	require.NotEqual(t, excludedAuthor, override, "the most recently committed block's author must be excluded from the override pick")
	require.Contains(t, c.members, override)
}
