// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package safety implements the Safety Module of spec.md §4.1: the
// vote/timeout admissibility predicates and the two monotonic safety
// scalars (highest_vote_round, highest_qc_round) that prevent an
// honest validator from ever voting or timing out in a way that could
// produce two conflicting QCs for the same round.
//
// The predicates and the make_vote/make_timeout operations are
// restated, idiomatically, from
// _examples/original_source/consensus/src/validator.rs's
// safe_to_vote/safe_to_timeout/safe_to_extend/is_consecutive and
// make_vote/make_timeout.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"

	aleobft "github.com/luxfi/aleobft"
	"github.com/luxfi/aleobft/adapters"
	"github.com/luxfi/aleobft/telemetry"
)

// ErrUnsafe is returned (never panicked on) when a predicate refuses a
// vote or timeout. Callers drop it silently per spec.md §7.
var ErrUnsafe = errors.New("safety: unsafe operation refused")

// Storage reports the two safety scalars a checkpoint records.
// spec.md §3's "Lifecycle" allows recovery from a checkpoint of the
// four safety scalars; Module only owns two of them (current_round and
// last_round_tc live in Pacemaker). Storage itself neither writes nor
// reads a checkpoint.
type Storage interface {
	HighestVoteRound() aleobft.Round
	HighestQCRound() aleobft.Round
}

// Module is the Safety Module. It is owned exclusively by the
// Validator event loop — no internal locking is required by spec.md
// §5, but Module serializes its own state with a mutex so it can also
// be exercised directly from concurrent tests.
type Module struct {
	mu sync.Mutex

	self   aleobft.Address
	crypto adapters.Crypto
	log    telemetry.Logger

	highestVoteRound aleobft.Round
	highestQCRound   aleobft.Round
}

// New creates a Safety Module for self, optionally recovering its
// scalars from a checkpoint (pass zero values for a fresh start).
func New(self aleobft.Address, crypto adapters.Crypto, log telemetry.Logger, highestVoteRound, highestQCRound aleobft.Round) *Module {
	if log == nil {
		log = telemetry.NewNoOpLogger()
	}
	return &Module{
		self:             self,
		crypto:           crypto,
		log:              log,
		highestVoteRound: highestVoteRound,
		highestQCRound:   highestQCRound,
	}
}

// HighestVoteRound returns the current value of the scalar, for
// checkpointing.
func (m *Module) HighestVoteRound() aleobft.Round {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highestVoteRound
}

// HighestQCRound returns the current value of the scalar, for
// checkpointing.
func (m *Module) HighestQCRound() aleobft.Round {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highestQCRound
}

// isConsecutive reports whether b immediately follows a, i.e. a+1==b.
func isConsecutive(b, a aleobft.Round) bool {
	return a+1 == b
}

// safeToExtend implements spec.md's safe_to_extend: a block at
// blockRound extending a QC at qcRound is safe to vote for under tc
// when it is consecutive with the TC's round and the QC it extends is
// at least as recent as any QC the TC's contributors held.
func safeToExtend(blockRound, qcRound aleobft.Round, tc *aleobft.TimeoutCertificate) bool {
	if tc == nil {
		return false
	}
	return isConsecutive(blockRound, tc.Round) && qcRound >= tc.MaxHighQCRound()
}

// safeToVote implements spec.md's safe_to_vote.
func safeToVote(highestQCRound, blockRound, qcRound aleobft.Round, tc *aleobft.TimeoutCertificate) bool {
	maxQC := highestQCRound
	if qcRound > maxQC {
		maxQC = qcRound
	}
	if blockRound <= maxQC {
		return false
	}
	return isConsecutive(blockRound, qcRound) || safeToExtend(blockRound, qcRound, tc)
}

// safeToTimeout implements spec.md's safe_to_timeout.
func safeToTimeout(highestQCRound, highestVoteRound, round, qcRound aleobft.Round, tc *aleobft.TimeoutCertificate) bool {
	if qcRound < highestQCRound {
		return false
	}
	floor := qcRound
	if highestVoteRound > 0 && highestVoteRound-1 > floor {
		floor = highestVoteRound - 1
	}
	if round <= floor {
		return false
	}
	if isConsecutive(round, qcRound) {
		return true
	}
	return tc != nil && isConsecutive(round, tc.Round)
}

func ledgerCommitInfoBytes(l aleobft.LedgerCommitInfo) []byte {
	return []byte(fmt.Sprintf("%s|%s", l.CommitStateID, l.VoteInfoHash))
}

func timeoutInfoBytes(t aleobft.TimeoutInfo) []byte {
	return []byte(fmt.Sprintf("%d|%s", t.Round, t.Sender))
}

// verifyQC checks every signature in qc against the LedgerCommitInfo
// it accompanies. A nil or genesis (no signatures) QC is trivially
// valid.
func verifyQC(crypto adapters.Crypto, qc *aleobft.QuorumCertificate) bool {
	if qc == nil || len(qc.Signatures) == 0 {
		return true
	}
	msg := ledgerCommitInfoBytes(qc.LedgerCommitInfo)
	for _, s := range qc.Signatures {
		if !crypto.Verify(s.Voter, msg, s.Signature) {
			return false
		}
	}
	return true
}

// verifyTC checks every signature in tc. A nil TC is trivially valid
// (no TC accompanies this block/timeout).
func verifyTC(crypto adapters.Crypto, tc *aleobft.TimeoutCertificate) bool {
	if tc == nil {
		return true
	}
	for _, t := range tc.Signatures {
		if !crypto.Verify(t.Sender, timeoutInfoBytes(t), t.Signature) {
			return false
		}
		if !verifyQC(crypto, t.HighQC) {
			return false
		}
	}
	return true
}

// MakeVote returns a signed vote for block iff the block and
// accompanying lastTC (which may be nil) carry valid signatures and
// safe_to_vote holds. On success it advances both safety scalars.
func (m *Module) MakeVote(ctx context.Context, block *aleobft.Block, lastTC *aleobft.TimeoutCertificate, ledger adapters.Ledger) (*aleobft.Vote, error) {
	if block == nil {
		return nil, fmt.Errorf("%w: block is nil", ErrUnsafe)
	}
	// A block with no QC extends the genesis block directly: its QC
	// round is 0, its parent id is the zero digest, and it commits
	// nothing.
	var parentID aleobft.Digest
	if block.QC != nil {
		parentID = block.QC.VoteInfo.ID
	}
	if !verifyQC(m.crypto, block.QC) || !verifyTC(m.crypto, lastTC) {
		return nil, fmt.Errorf("%w: invalid signatures", ErrUnsafe)
	}

	qcRound := block.QC.Round()

	m.mu.Lock()
	if !safeToVote(m.highestQCRound, block.Round, qcRound, lastTC) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: block round %d does not safely extend qc round %d", ErrUnsafe, block.Round, qcRound)
	}
	if qcRound > m.highestQCRound {
		m.highestQCRound = qcRound
	}
	if block.Round > m.highestVoteRound {
		m.highestVoteRound = block.Round
	}
	m.mu.Unlock()

	execStateID, ok := ledger.PendingState(ctx, block.Hash)
	if !ok {
		return nil, fmt.Errorf("ledger: no pending state for block %s", block.Hash)
	}

	voteInfo := aleobft.VoteInfo{
		ID:          block.Hash,
		Round:       block.Round,
		ParentID:    parentID,
		ParentRound: qcRound,
		ExecStateID: execStateID,
	}

	var commitStateID aleobft.Digest
	if block.QC != nil && isConsecutive(block.Round, qcRound) {
		if s, ok := ledger.PendingState(ctx, parentID); ok {
			commitStateID = s
		}
	}

	lci := aleobft.LedgerCommitInfo{
		CommitStateID: commitStateID,
		VoteInfoHash:  voteInfo.Hash(),
	}

	sig := m.crypto.Sign(ledgerCommitInfoBytes(lci))

	m.log.Debug("voted", append(telemetry.RoundField(block.Round), "qcRound", uint64(qcRound))...)

	return &aleobft.Vote{
		VoteInfo:         voteInfo,
		LedgerCommitInfo: lci,
		Voter:            m.self,
		Signature:        sig,
	}, nil
}

// MakeTimeout returns a signed TimeoutInfo for round iff highQC and
// lastTC carry valid signatures and safe_to_timeout holds. On success
// it advances highest_vote_round.
func (m *Module) MakeTimeout(round aleobft.Round, highQC *aleobft.QuorumCertificate, lastTC *aleobft.TimeoutCertificate) (*aleobft.TimeoutInfo, error) {
	if !verifyQC(m.crypto, highQC) || !verifyTC(m.crypto, lastTC) {
		return nil, fmt.Errorf("%w: invalid signatures", ErrUnsafe)
	}

	qcRound := highQC.Round()

	m.mu.Lock()
	if !safeToTimeout(m.highestQCRound, m.highestVoteRound, round, qcRound, lastTC) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: round %d is not safe to time out (qcRound=%d)", ErrUnsafe, round, qcRound)
	}
	if round > m.highestVoteRound {
		m.highestVoteRound = round
	}
	m.mu.Unlock()

	info := aleobft.TimeoutInfo{
		Round:  round,
		HighQC: highQC,
		Sender: m.self,
	}
	info.Signature = m.crypto.Sign(timeoutInfoBytes(info))

	m.log.Debug("timed out", telemetry.RoundField(round)...)

	return &info, nil
}
