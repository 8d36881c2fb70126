// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package aleobft defines the wire-level data model of the consensus
// core: rounds, blocks, votes, quorum and timeout certificates, and the
// inbound message types the Validator orchestrator dispatches on.
//
// The protocol is a leader-rotated, round-based BFT algorithm in the
// DiemBFT/HotStuff family: a committee of 3f+1 validators drives a
// replicated block DAG forward using quorum certificates (2f+1 matching
// votes) and timeout certificates (2f+1 matching timeouts), committing
// blocks under a two-chain consecutive-round rule.
package aleobft

import (
	"crypto/sha256"
	"fmt"

	"github.com/luxfi/ids"
)

// Round is a monotonically increasing protocol step counter.
type Round uint64

// Address identifies a committee member.
type Address = ids.NodeID

// Digest is a content-addressed identifier: a block hash, a vote-info
// hash, or a speculative state root.
type Digest = ids.ID

// Payload is an opaque transaction batch handed out by the Mempool
// Adapter and embedded, unexamined, in a Block.
type Payload []byte

// Signature is an opaque, verifiable signature over a digest.
type Signature []byte

// Block is a proposed unit of work: an author, the round it was
// proposed in, the QC it extends, an opaque payload, and its own
// content hash.
//
// Invariant: Round > QC.VoteInfo.Round.
type Block struct {
	Author  Address
	Round   Round
	QC      *QuorumCertificate
	Payload Payload
	Hash    Digest
}

// ParentRound returns the round of the block this one extends, or 0 if
// the block has no QC (the implicit genesis block, or a block proposed
// before any QC formed, which extends genesis directly).
func (b *Block) ParentRound() Round {
	if b == nil || b.QC == nil {
		return 0
	}
	return b.QC.VoteInfo.Round
}

func (b *Block) String() string {
	if b == nil {
		return "Block(nil)"
	}
	return fmt.Sprintf("Block(round=%d author=%s hash=%s)", b.Round, b.Author, b.Hash)
}

// VoteInfo describes the block a vote concerns and the block it
// extends.
type VoteInfo struct {
	ID          Digest // the block's own hash
	Round       Round
	ParentID    Digest // the block it extends
	ParentRound Round
	ExecStateID Digest // speculative post-state root after executing the block
}

// Hash returns a deterministic digest of the VoteInfo, used as the
// LedgerCommitInfo.VoteInfoHash field and as the key votes are
// aggregated under.
func (v VoteInfo) Hash() Digest {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%d|%s|%s", v.Round, v.ID, v.ParentRound, v.ParentID, v.ExecStateID)))
	return ids.ID(sum)
}

// LedgerCommitInfo carries the state root that becomes final if the
// enclosing vote contributes to a QC that triggers a commit, plus a
// hash binding it to the VoteInfo it accompanies.
type LedgerCommitInfo struct {
	// CommitStateID is the zero value (ids.ID{}) when this vote does
	// not trigger a commit.
	CommitStateID Digest
	VoteInfoHash  Digest
}

// Commits reports whether this LedgerCommitInfo designates a state to
// be committed.
func (l LedgerCommitInfo) Commits() bool {
	return l.CommitStateID != (Digest{})
}

// VoteSignature pairs a validator's signature with its address, the
// abstract representation of aggregated signatures described in
// spec.md's Design Notes: a plain set of (voter, signature) pairs, not
// a BLS aggregate.
type VoteSignature struct {
	Voter     Address
	Signature Signature
}

// QuorumCertificate is 2f+1 matching signed votes on a block.
type QuorumCertificate struct {
	VoteInfo         VoteInfo
	LedgerCommitInfo LedgerCommitInfo
	Signatures       []VoteSignature
}

// Round is the round of the block this QC certifies.
func (qc *QuorumCertificate) Round() Round {
	if qc == nil {
		return 0
	}
	return qc.VoteInfo.Round
}

func (qc *QuorumCertificate) String() string {
	if qc == nil {
		return "QC(nil)"
	}
	return fmt.Sprintf("QC(round=%d block=%s sigs=%d)", qc.VoteInfo.Round, qc.VoteInfo.ID, len(qc.Signatures))
}

// TimeoutInfo is a validator's signed claim that it gives up on Round,
// carrying the highest QC it knows of.
type TimeoutInfo struct {
	Round     Round
	HighQC    *QuorumCertificate
	Sender    Address
	Signature Signature
}

// TimeoutCertificate is formed from 2f+1 timeouts on the same round.
// HighQCRounds is the multiset of HighQC.Round values contributed, and
// Signatures the individual timeout signatures — per spec.md's Open
// Question resolution, this is not a single aggregated signature.
type TimeoutCertificate struct {
	Round        Round
	HighQCRounds []Round
	Signatures   []TimeoutInfo
}

// MaxHighQCRound returns the highest HighQC.Round among the
// certificate's contributing timeouts.
func (tc *TimeoutCertificate) MaxHighQCRound() Round {
	if tc == nil || len(tc.HighQCRounds) == 0 {
		return 0
	}
	max := tc.HighQCRounds[0]
	for _, r := range tc.HighQCRounds[1:] {
		if r > max {
			max = r
		}
	}
	return max
}

func (tc *TimeoutCertificate) String() string {
	if tc == nil {
		return "TC(nil)"
	}
	return fmt.Sprintf("TC(round=%d sigs=%d)", tc.Round, len(tc.Signatures))
}

// Vote is the message a validator sends after voting for a proposed
// block.
type Vote struct {
	VoteInfo         VoteInfo
	LedgerCommitInfo LedgerCommitInfo
	HighCommitQC     *QuorumCertificate
	Voter            Address
	Signature        Signature
}

// Propose is the message a leader broadcasts to drive a new round.
type Propose struct {
	Block        *Block
	LastRoundTC  *TimeoutCertificate // nil if the round advanced via QC
	HighCommitQC *QuorumCertificate
	Sender       Address
	Signature    Signature
}

// Timeout is the message broadcast when a validator gives up on a
// round, carrying its own timeout claim plus bookkeeping needed by
// peers to catch up.
type Timeout struct {
	Info         TimeoutInfo
	LastRoundTC  *TimeoutCertificate
	HighCommitQC *QuorumCertificate
}

// CommitRecord is one committed block's author and the set of
// validators whose signatures formed the QC that committed it. The
// Block Tree retains a bounded history of these past the point a
// block's node is itself pruned, so Leader Election can walk the
// committed chain's authors and QC signers per spec.md §4.4 without
// needing pruned tree nodes to stay reachable.
type CommitRecord struct {
	Round   Round
	Author  Address
	Signers []Address
}
