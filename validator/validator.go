// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package validator wires the Safety Module, Block Tree, Pacemaker,
// and Leader Election into the single-threaded orchestrator of
// spec.md §4.5: one event loop dispatching Propose, Vote, Timeout and
// LocalTimeout events, each handled to completion before the next is
// read, so no two handlers ever race over shared consensus state.
package validator

import (
	"context"
	"errors"
	"fmt"

	aleobft "github.com/luxfi/aleobft"
	"github.com/luxfi/aleobft/adapters"
	"github.com/luxfi/aleobft/blocktree"
	"github.com/luxfi/aleobft/checkpoint"
	"github.com/luxfi/aleobft/committee"
	"github.com/luxfi/aleobft/config"
	"github.com/luxfi/aleobft/leader"
	"github.com/luxfi/aleobft/pacemaker"
	"github.com/luxfi/aleobft/safety"
	"github.com/luxfi/aleobft/telemetry"
)

// FatalError wraps an invariant violation that the Validator cannot
// absorb by simply dropping the offending message — per spec.md §7,
// these are reported to the host rather than logged and ignored.
type FatalError struct {
	Err error
}

func (f *FatalError) Error() string { return fmt.Sprintf("validator: fatal: %s", f.Err) }
func (f *FatalError) Unwrap() error { return f.Err }

// Transport is the outbound messaging surface a Validator drives. The
// core never dials peers itself; the host wires Transport to whatever
// networking stack it runs.
type Transport interface {
	BroadcastPropose(aleobft.Propose)
	SendVote(to aleobft.Address, vote aleobft.Vote)
	BroadcastTimeout(aleobft.Timeout)
}

// Validator is the consensus-core orchestrator for a single committee
// member.
type Validator struct {
	self      aleobft.Address
	committee *committee.Committee
	crypto    adapters.Crypto
	ledger    adapters.Ledger
	mempool   adapters.Mempool
	transport Transport
	log       telemetry.Logger
	metrics   *telemetry.Metrics

	safety    *safety.Module
	tree      *blocktree.Tree
	pacemaker *pacemaker.Pacemaker
	election  *leader.Election
	ckpt      *checkpoint.Store

	events chan event
	done   chan struct{}
}

type event struct {
	propose      *aleobft.Propose
	vote         *aleobft.Vote
	timeout      *aleobft.Timeout
	localTimeout bool
}

// Genesis describes the implicit round-0 block every validator starts
// from, agreed out of band (e.g. baked into the committee's
// configuration).
type Genesis struct {
	Block   *aleobft.Block
	StateID aleobft.Digest
}

// New constructs a Validator, recovering its safety scalars from
// cfg.CheckpointPath if one is configured and a checkpoint exists.
func New(cfg config.Config, genesis Genesis, ledger adapters.Ledger, mempool adapters.Mempool, crypto adapters.Crypto, transport Transport, log telemetry.Logger, metrics *telemetry.Metrics) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	comm, err := committee.New(cfg.Committee, cfg.F)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = telemetry.NewNoOpLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoOpMetrics()
	}

	var ckpt *checkpoint.Store
	var highestVoteRound, highestQCRound, currentRound aleobft.Round
	var lastRoundTC *aleobft.TimeoutCertificate
	if cfg.CheckpointPath != "" {
		ckpt = checkpoint.New(cfg.CheckpointPath)
		if st, ok, err := ckpt.Load(); err != nil {
			return nil, err
		} else if ok {
			highestVoteRound = st.HighestVoteRound
			highestQCRound = st.HighestQCRound
			currentRound = st.CurrentRound
			lastRoundTC = st.LastRoundTC
		}
	}

	historyCap := cfg.WindowSize
	if cfg.ExcludeSize > historyCap {
		historyCap = cfg.ExcludeSize
	}
	safetyModule := safety.New(cfg.Self, crypto, log, highestVoteRound, highestQCRound)
	tree := blocktree.New(genesis.Block, genesis.StateID, comm.QuorumSize(), historyCap, crypto, log)
	election := leader.New(leader.Config{
		Committee:   comm,
		History:     leader.History(tree.CommittedWindow),
		WindowSize:  cfg.WindowSize,
		ExcludeSize: cfg.ExcludeSize,
		Log:         log,
	})

	v := &Validator{
		self:      cfg.Self,
		committee: comm,
		crypto:    crypto,
		ledger:    ledger,
		mempool:   mempool,
		transport: transport,
		log:       log,
		metrics:   metrics,
		safety:    safetyModule,
		tree:      tree,
		election:  election,
		ckpt:      ckpt,
		events:    make(chan event, 256),
		done:      make(chan struct{}),
	}

	if currentRound < genesis.Block.Round+1 {
		currentRound = genesis.Block.Round + 1
	}
	broadcastTimeout := func(tmo aleobft.Timeout) {
		if err := v.checkpointSafety(); err != nil {
			log.Warn("failed to checkpoint before timeout", append(telemetry.RoundField(tmo.Info.Round), "err", err)...)
			return
		}
		transport.BroadcastTimeout(tmo)
	}
	v.pacemaker = pacemaker.New(pacemaker.Config{
		Committee:        comm,
		Signer:           safetyModule,
		BaseRoundTimeout: cfg.BaseRoundTimeout,
		BetaCommitGap:    cfg.BetaCommitGap,
		HighQC:           tree.HighQC,
		HighCommitQC:     tree.HighCommitQC,
		Broadcast:        broadcastTimeout,
		OnNewRound:       v.onNewRound,
		Log:              log,
		Metrics:          metrics,
	}, currentRound, lastRoundTC)

	return v, nil
}

// SubmitPropose enqueues an inbound Propose message. Safe to call from
// any goroutine.
func (v *Validator) SubmitPropose(p aleobft.Propose) { v.events <- event{propose: &p} }

// SubmitVote enqueues an inbound Vote message. Safe to call from any
// goroutine.
func (v *Validator) SubmitVote(vote aleobft.Vote) { v.events <- event{vote: &vote} }

// SubmitTimeout enqueues an inbound Timeout message. Safe to call from
// any goroutine.
func (v *Validator) SubmitTimeout(t aleobft.Timeout) { v.events <- event{timeout: &t} }

// submitLocalTimeout enqueues the round timer's firing as an event, so
// it is handled on the same single-threaded loop as every other
// message instead of racing the network callbacks.
func (v *Validator) submitLocalTimeout() { v.events <- event{localTimeout: true} }

// Run drives the event loop until ctx is cancelled. It blocks; callers
// typically run it in its own goroutine.
func (v *Validator) Run(ctx context.Context) error {
	v.pacemaker.StartTimer(v.submitLocalTimeout)
	v.maybePropose(ctx, v.pacemaker.CurrentRound())
	defer v.pacemaker.StopTimer()
	defer close(v.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-v.events:
			if err := v.dispatch(ctx, ev); err != nil {
				var fatal *FatalError
				if errors.As(err, &fatal) {
					return fatal
				}
				v.log.Warn("dropped event", "err", err)
			}
		}
	}
}

// Done is closed once Run returns.
func (v *Validator) Done() <-chan struct{} { return v.done }

func (v *Validator) dispatch(ctx context.Context, ev event) error {
	switch {
	case ev.propose != nil:
		return v.handlePropose(ctx, *ev.propose)
	case ev.vote != nil:
		return v.handleVote(ctx, *ev.vote)
	case ev.timeout != nil:
		return v.handleTimeout(ctx, *ev.timeout)
	case ev.localTimeout:
		return v.pacemaker.LocalTimeoutRound()
	}
	return nil
}

func (v *Validator) onNewRound(round aleobft.Round) {
	v.metrics.CurrentRound.Set(float64(round))
}

// checkpointSafety persists the current safety/pacemaker scalars.
// Per spec.md §5's checkpoint-before-emit rule this must be called,
// and must complete, before the caller broadcasts the message whose
// signing advanced those scalars.
func (v *Validator) checkpointSafety() error {
	if v.ckpt == nil {
		return nil
	}
	return v.ckpt.Save(checkpoint.State{
		CurrentRound:     v.pacemaker.CurrentRound(),
		HighestVoteRound: v.safety.HighestVoteRound(),
		HighestQCRound:   v.safety.HighestQCRound(),
		LastRoundTC:      v.pacemaker.LastRoundTC(),
	})
}

// handlePropose validates an inbound block proposal, advances the round
// machinery on the QC/TC it carries, then votes on it.
func (v *Validator) handlePropose(ctx context.Context, p aleobft.Propose) error {
	if p.Block == nil {
		return fmt.Errorf("validator: propose with nil block from %s", p.Sender)
	}
	expectedLeader := v.election.GetLeader(p.Block.Round)
	if p.Sender != expectedLeader || p.Block.Author != expectedLeader {
		return fmt.Errorf("validator: propose for round %d from non-leader %s (expected %s)", p.Block.Round, p.Sender, expectedLeader)
	}

	if err := v.tree.ExecuteAndInsert(ctx, p.Block, v.ledger); err != nil {
		return fmt.Errorf("validator: insert block round %d: %w", p.Block.Round, err)
	}

	if err := v.processQC(ctx, p.Block.QC); err != nil {
		return err
	}
	if p.LastRoundTC != nil {
		v.pacemaker.AdvanceRoundTC(p.LastRoundTC, v.submitLocalTimeout)
	}

	vote, err := v.safety.MakeVote(ctx, p.Block, p.LastRoundTC, v.ledger)
	if err != nil {
		if errors.Is(err, safety.ErrUnsafe) {
			v.metrics.VotesDropped.Inc()
			return nil
		}
		return fmt.Errorf("validator: make vote round %d: %w", p.Block.Round, err)
	}
	vote.HighCommitQC = v.tree.HighCommitQC()

	if err := v.checkpointSafety(); err != nil {
		return fmt.Errorf("validator: checkpoint before vote: %w", err)
	}

	nextLeader := v.election.GetLeader(p.Block.Round + 1)
	v.transport.SendVote(nextLeader, *vote)
	return nil
}

// handleVote folds an inbound vote into the block tree and, if it
// completes a quorum certificate, advances the round and — if this
// validator leads the new round — proposes the next block.
func (v *Validator) handleVote(ctx context.Context, vote aleobft.Vote) error {
	if !v.committee.Member(vote.Voter) {
		return fmt.Errorf("validator: vote from non-member %s", vote.Voter)
	}

	qc, err := v.tree.ProcessVote(&vote)
	if err != nil {
		v.metrics.VotesDropped.Inc()
		return fmt.Errorf("validator: process vote round %d: %w", vote.VoteInfo.Round, err)
	}
	if qc == nil {
		return nil
	}

	v.metrics.QCFormedTotal.Inc()
	if err := v.processQC(ctx, qc); err != nil {
		return err
	}
	return nil
}

// handleTimeout folds an inbound timeout into the pacemaker and, if it
// completes a timeout certificate, advances the round.
func (v *Validator) handleTimeout(ctx context.Context, t aleobft.Timeout) error {
	if !v.committee.Member(t.Info.Sender) {
		return fmt.Errorf("validator: timeout from non-member %s", t.Info.Sender)
	}
	if !v.crypto.Verify(t.Info.Sender, []byte(fmt.Sprintf("%d|%s", t.Info.Round, t.Info.Sender)), t.Info.Signature) {
		v.metrics.TimeoutsDropped.Inc()
		return fmt.Errorf("validator: invalid timeout signature from %s", t.Info.Sender)
	}

	tc, err := v.pacemaker.ProcessRemoteTimeout(t)
	if err != nil {
		v.metrics.TimeoutsDropped.Inc()
		return fmt.Errorf("validator: process timeout round %d: %w", t.Info.Round, err)
	}
	if t.HighCommitQC != nil {
		if err := v.processQC(ctx, t.HighCommitQC); err != nil {
			return err
		}
	}
	if tc == nil {
		return nil
	}

	if err := v.checkpointSafety(); err != nil {
		return fmt.Errorf("validator: checkpoint before round advance: %w", err)
	}
	if v.pacemaker.AdvanceRoundTC(tc, v.submitLocalTimeout) {
		v.maybePropose(ctx, v.pacemaker.CurrentRound())
	}
	return nil
}

// processQC folds a freshly observed QC into the block tree, updates
// leader reputation and commit bookkeeping, and advances the round.
func (v *Validator) processQC(ctx context.Context, qc *aleobft.QuorumCertificate) error {
	if qc == nil {
		return nil
	}
	round, committed, err := v.tree.ProcessQC(ctx, qc, v.ledger)
	if err != nil {
		if errors.Is(err, blocktree.ErrConflictingQC) {
			return &FatalError{Err: err}
		}
		return fmt.Errorf("validator: process qc round %d: %w", qc.Round(), err)
	}
	if committed {
		v.metrics.CommitsTotal.Inc()
		v.metrics.CommitHeight.Set(float64(round))
		v.pacemaker.NoteCommit(round)
		v.ledger.Prune(v.tree.TrackedBlockHashes())
	}

	v.election.UpdateLeaders(qc)
	if v.pacemaker.AdvanceRoundQC(qc, v.submitLocalTimeout) {
		v.maybePropose(ctx, v.pacemaker.CurrentRound())
	}
	return nil
}

// maybePropose builds and broadcasts a new block if this validator
// leads round.
func (v *Validator) maybePropose(ctx context.Context, round aleobft.Round) {
	if v.election.GetLeader(round) != v.self {
		return
	}

	payload := v.mempool.NextBatch(ctx)
	block := v.tree.GenerateBlock(v.self, round, payload)
	if err := v.tree.ExecuteAndInsert(ctx, block, v.ledger); err != nil {
		v.log.Warn("failed to speculatively execute own proposal", append(telemetry.RoundField(round), "err", err)...)
		return
	}

	lastTC := v.pacemaker.LastRoundTC()
	sig := v.crypto.Sign(proposeSigningBytes(block, lastTC))

	if err := v.checkpointSafety(); err != nil {
		v.log.Warn("failed to checkpoint before proposing", append(telemetry.RoundField(round), "err", err)...)
		return
	}

	v.transport.BroadcastPropose(aleobft.Propose{
		Block:        block,
		LastRoundTC:  lastTC,
		HighCommitQC: v.tree.HighCommitQC(),
		Sender:       v.self,
		Signature:    sig,
	})
}

func proposeSigningBytes(b *aleobft.Block, tc *aleobft.TimeoutCertificate) []byte {
	return []byte(fmt.Sprintf("%s|%s", b.Hash, tc.String()))
}
