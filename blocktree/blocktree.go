// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package blocktree implements the Block Tree of spec.md §4.2: a DAG
// of proposed blocks keyed by round, per-block vote aggregation into
// quorum certificates, and the two-chain consecutive-round commit
// rule.
//
// The node/child-list tree shape, keyed by round rather than by
// pointer back-reference (per spec.md's Design Notes on representing
// cyclic parent links by stable identifiers), and the prune-on-commit
// walk are grounded on
// _examples/unicitynetwork-unicity-core/rootchain/consensus/storage/block_tree.go's
// node, roundToNode, findBlocksToPrune and Commit.
package blocktree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	aleobft "github.com/luxfi/aleobft"
	"github.com/luxfi/aleobft/adapters"
	"github.com/luxfi/aleobft/telemetry"
)

// ErrUnknownParent is returned when a block or QC references a round
// not present in the tree.
var ErrUnknownParent = errors.New("blocktree: parent block not found")

// ErrConflictingQC is the invariant-violation error of spec.md §7: two
// QCs for the same round certify blocks with different hashes. This
// should never occur with fewer than f Byzantine validators and is
// reported to the host as fatal rather than absorbed.
var ErrConflictingQC = errors.New("blocktree: conflicting QC for round")

type node struct {
	block    *aleobft.Block
	execID   aleobft.Digest
	children []*node
	votes    map[aleobft.Address]aleobft.LedgerCommitInfo // voter -> the LedgerCommitInfo they signed
	sigs     map[aleobft.Address]aleobft.VoteSignature
}

func newNode(b *aleobft.Block, execID aleobft.Digest) *node {
	return &node{
		block:  b,
		execID: execID,
		votes:  make(map[aleobft.Address]aleobft.LedgerCommitInfo),
		sigs:   make(map[aleobft.Address]aleobft.VoteSignature),
	}
}

// Tree is the Block Tree. Like Safety and Pacemaker it is owned
// exclusively by the Validator event loop; the mutex exists so it can
// also be driven directly from tests and from concurrent adapters.
type Tree struct {
	mu sync.Mutex

	crypto adapters.Crypto
	log    telemetry.Logger
	quorum int // 2f+1

	roundToNode  map[aleobft.Round]*node
	root         *node // highest committed block
	highQC       *aleobft.QuorumCertificate
	highCommitQC *aleobft.QuorumCertificate

	historyCap int
	history    []aleobft.CommitRecord // most-recently-committed last
}

// New creates a Tree rooted at genesis, a synthetic block at round 0
// with no QC. quorum is 2f+1. historyCap bounds how many commits of
// CommittedWindow history are retained past the point their tree nodes
// are pruned; callers should pass at least the largest window the
// leader election reputation walk of spec.md §4.4 will ever request.
func New(genesis *aleobft.Block, genesisExecID aleobft.Digest, quorum int, historyCap int, crypto adapters.Crypto, log telemetry.Logger) *Tree {
	if log == nil {
		log = telemetry.NewNoOpLogger()
	}
	root := newNode(genesis, genesisExecID)
	return &Tree{
		crypto:      crypto,
		log:         log,
		quorum:      quorum,
		roundToNode: map[aleobft.Round]*node{genesis.Round: root},
		root:        root,
		historyCap:  historyCap,
	}
}

// HighQC returns the highest-round QC observed.
func (t *Tree) HighQC() *aleobft.QuorumCertificate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highQC
}

// HighCommitQC returns the highest-round QC that induced a commit.
func (t *Tree) HighCommitQC() *aleobft.QuorumCertificate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highCommitQC
}

// ExecuteAndInsert speculatively executes block against its parent's
// speculative state and links it into the tree.
func (t *Tree) ExecuteAndInsert(ctx context.Context, block *aleobft.Block, ledger adapters.Ledger) error {
	t.mu.Lock()
	if _, found := t.roundToNode[block.Round]; found {
		t.mu.Unlock()
		return fmt.Errorf("blocktree: block for round %d already exists", block.Round)
	}
	if _, found := t.roundToNode[block.ParentRound()]; !found {
		t.mu.Unlock()
		return fmt.Errorf("%w: round %d", ErrUnknownParent, block.ParentRound())
	}
	t.mu.Unlock()

	execID, err := ledger.SpeculativeExecute(ctx, block)
	if err != nil {
		return fmt.Errorf("blocktree: speculative execute round %d: %w", block.Round, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	parent, found := t.roundToNode[block.ParentRound()]
	if !found {
		return fmt.Errorf("%w: round %d", ErrUnknownParent, block.ParentRound())
	}
	if _, found := t.roundToNode[block.Round]; found {
		return fmt.Errorf("blocktree: block for round %d already exists", block.Round)
	}
	n := newNode(block, execID)
	parent.children = append(parent.children, n)
	t.roundToNode[block.Round] = n
	return nil
}

// ProcessQC adopts qc as the new high QC if it is more recent, and
// commits + prunes if it carries a commit state id. Returns the
// committed block's round and true if a commit happened.
func (t *Tree) ProcessQC(ctx context.Context, qc *aleobft.QuorumCertificate, ledger adapters.Ledger) (committedRound aleobft.Round, committed bool, err error) {
	if qc == nil {
		return 0, false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, found := t.roundToNode[qc.VoteInfo.Round]; found {
		if existing.block.Hash != qc.VoteInfo.ID {
			return 0, false, fmt.Errorf("%w %d", ErrConflictingQC, qc.VoteInfo.Round)
		}
	}

	if t.highQC == nil || qc.Round() > t.highQC.Round() {
		t.highQC = qc
	}

	if !qc.LedgerCommitInfo.Commits() {
		return 0, false, nil
	}

	commitNode, found := t.roundToNode[qc.VoteInfo.ParentRound]
	if !found {
		return 0, false, fmt.Errorf("%w: commit target round %d", ErrUnknownParent, qc.VoteInfo.ParentRound)
	}

	if err := ledger.Commit(ctx, qc.LedgerCommitInfo.CommitStateID); err != nil {
		return 0, false, fmt.Errorf("blocktree: commit round %d: %w", commitNode.block.Round, err)
	}

	t.prune(commitNode)
	t.root = commitNode

	if t.highCommitQC == nil || qc.Round() > t.highCommitQC.Round() {
		t.highCommitQC = qc
	}

	signers := make([]aleobft.Address, 0, len(qc.Signatures))
	for _, sig := range qc.Signatures {
		signers = append(signers, sig.Voter)
	}
	t.history = append(t.history, aleobft.CommitRecord{
		Round:   commitNode.block.Round,
		Author:  commitNode.block.Author,
		Signers: signers,
	})
	if t.historyCap > 0 && len(t.history) > t.historyCap {
		t.history = t.history[len(t.history)-t.historyCap:]
	}

	t.log.Info("committed block", telemetry.RoundField(commitNode.block.Round)...)
	return commitNode.block.Round, true, nil
}

// CommittedWindow returns up to n of the most recently committed
// blocks, most-recent first. It is the Block Tree's answer to spec.md
// §4.4's "walk backward through the committed chain" — unlike FindBlock
// it survives pruning, up to historyCap entries deep.
func (t *Tree) CommittedWindow(n int) []aleobft.CommitRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.history) {
		n = len(t.history)
	}
	out := make([]aleobft.CommitRecord, n)
	for i := 0; i < n; i++ {
		out[i] = t.history[len(t.history)-1-i]
	}
	return out
}

// prune drops the old root and every tracked block reachable from it
// that is not newRoot or one of newRoot's descendants, including side
// branches, walking from the current root the same way unicity-core's
// findBlocksToPrune does. newRoot and its descendants are left
// untouched so the still-uncommitted suffix of the chain remains
// reachable.
func (t *Tree) prune(newRoot *node) {
	if newRoot == t.root {
		return
	}
	queue := []*node{t.root}
	for len(queue) > 0 {
		n := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if n == newRoot {
			continue
		}
		for _, c := range n.children {
			queue = append(queue, c)
		}
		delete(t.roundToNode, n.block.Round)
	}
}

// ProcessVote records vote under (blockID, voter), idempotent per
// voter, and returns the QC formed once quorum many distinct voters
// have signed matching LedgerCommitInfo for the same block.
func (t *Tree) ProcessVote(vote *aleobft.Vote) (*aleobft.QuorumCertificate, error) {
	if !t.crypto.Verify(vote.Voter, []byte(fmt.Sprintf("%s|%s", vote.LedgerCommitInfo.CommitStateID, vote.LedgerCommitInfo.VoteInfoHash)), vote.Signature) {
		return nil, fmt.Errorf("blocktree: invalid vote signature from %s", vote.Voter)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, found := t.roundToNode[vote.VoteInfo.Round]
	if !found || n.block.Hash != vote.VoteInfo.ID {
		return nil, fmt.Errorf("%w: round %d", ErrUnknownParent, vote.VoteInfo.Round)
	}

	n.votes[vote.Voter] = vote.LedgerCommitInfo
	n.sigs[vote.Voter] = aleobft.VoteSignature{Voter: vote.Voter, Signature: vote.Signature}

	// Count voters agreeing on the exact LedgerCommitInfo this vote
	// carries — matching signers form the quorum, not just matching
	// block ids (two honest votes for the same block can still carry
	// different commit decisions across a round boundary in theory;
	// in practice all honest voters for the same round agree).
	matching := make([]aleobft.VoteSignature, 0, len(n.sigs))
	for voter, lci := range n.votes {
		if lci == vote.LedgerCommitInfo {
			matching = append(matching, n.sigs[voter])
		}
	}
	if len(matching) < t.quorum {
		return nil, nil
	}

	return &aleobft.QuorumCertificate{
		VoteInfo:         vote.VoteInfo,
		LedgerCommitInfo: vote.LedgerCommitInfo,
		Signatures:       matching,
	}, nil
}

// GenerateBlock builds a new block extending the current high QC.
func (t *Tree) GenerateBlock(author aleobft.Address, round aleobft.Round, payload aleobft.Payload) *aleobft.Block {
	t.mu.Lock()
	highQC := t.highQC
	crypto := t.crypto
	t.mu.Unlock()

	b := &aleobft.Block{
		Author:  author,
		Round:   round,
		QC:      highQC,
		Payload: payload,
	}
	b.Hash = crypto.Hash([]byte(fmt.Sprintf("%s|%d|%d|%x", author, round, highQC.Round(), payload)))
	return b
}

// FindBlock returns the tracked block for round, if any.
func (t *Tree) FindBlock(round aleobft.Round) (*aleobft.Block, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, found := t.roundToNode[round]
	if !found {
		return nil, false
	}
	return n.block, true
}

// TrackedBlockHashes returns the hashes of every block still held in
// the tree (the committed root and its uncommitted descendants), for
// handing to adapters.Ledger.Prune so speculative state is garbage
// collected in lockstep with the tree itself.
func (t *Tree) TrackedBlockHashes() map[aleobft.Digest]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	keep := make(map[aleobft.Digest]bool, len(t.roundToNode))
	for _, n := range t.roundToNode {
		keep[n.block.Hash] = true
	}
	return keep
}

// Root returns the highest committed block (the current root of the
// tree).
func (t *Tree) Root() *aleobft.Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.block
}
