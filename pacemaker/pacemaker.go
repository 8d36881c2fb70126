// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pacemaker implements the Pacemaker of spec.md §4.3: round
// advancement by QC or TC, the round timer, and timeout-certificate
// formation including the f+1 Bracha amplification step.
package pacemaker

import (
	"fmt"
	"sync"
	"time"

	aleobft "github.com/luxfi/aleobft"
	"github.com/luxfi/aleobft/committee"
	"github.com/luxfi/aleobft/telemetry"
)

// Signer produces a signed TimeoutInfo under the Safety Module's
// predicates. spec.md places local_timeout_round under the Pacemaker,
// but the original implementation
// (_examples/original_source/consensus/src/validator.rs,
// local_timeout_round) builds the TimeoutInfo via
// self.make_timeout(...), i.e. through Safety — this module follows
// the original and has the Pacemaker call out to a Signer rather than
// forging an unchecked TimeoutInfo itself (see DESIGN.md).
type Signer interface {
	MakeTimeout(round aleobft.Round, highQC *aleobft.QuorumCertificate, lastTC *aleobft.TimeoutCertificate) (*aleobft.TimeoutInfo, error)
}

// Pacemaker owns current_round, last_round_tc, pending_timeouts, and
// the round timer.
type Pacemaker struct {
	mu sync.Mutex

	committee *committee.Committee
	signer    Signer
	timer     roundTimer
	log       telemetry.Logger
	metrics   *telemetry.Metrics

	base time.Duration
	beta time.Duration

	currentRound   aleobft.Round
	lastRoundTC    *aleobft.TimeoutCertificate
	lastCommit     aleobft.Round
	pendingTimeout map[aleobft.Round]map[aleobft.Address]aleobft.TimeoutInfo
	sentTimeout    map[aleobft.Round]bool

	highQC       func() *aleobft.QuorumCertificate
	highCommitQC func() *aleobft.QuorumCertificate
	broadcast    func(aleobft.Timeout)
	onNewRound   func(aleobft.Round)
}

// Config bundles Pacemaker construction parameters.
type Config struct {
	Committee        *committee.Committee
	Signer           Signer
	BaseRoundTimeout time.Duration
	BetaCommitGap    time.Duration
	HighQC           func() *aleobft.QuorumCertificate
	HighCommitQC     func() *aleobft.QuorumCertificate
	Broadcast        func(aleobft.Timeout)
	OnNewRound       func(aleobft.Round) // called with the new round whenever it advances
	Log              telemetry.Logger
	Metrics          *telemetry.Metrics
}

// New creates a Pacemaker at round 0 (or recovers currentRound /
// lastRoundTC from a checkpoint).
func New(cfg Config, currentRound aleobft.Round, lastRoundTC *aleobft.TimeoutCertificate) *Pacemaker {
	log := cfg.Log
	if log == nil {
		log = telemetry.NewNoOpLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoOpMetrics()
	}
	return &Pacemaker{
		committee:      cfg.Committee,
		signer:         cfg.Signer,
		log:            log,
		metrics:        metrics,
		base:           cfg.BaseRoundTimeout,
		beta:           cfg.BetaCommitGap,
		currentRound:   currentRound,
		lastRoundTC:    lastRoundTC,
		pendingTimeout: make(map[aleobft.Round]map[aleobft.Address]aleobft.TimeoutInfo),
		sentTimeout:    make(map[aleobft.Round]bool),
		highQC:         cfg.HighQC,
		highCommitQC:   cfg.HighCommitQC,
		broadcast:      cfg.Broadcast,
		onNewRound:     cfg.OnNewRound,
	}
}

// CurrentRound returns the current round.
func (p *Pacemaker) CurrentRound() aleobft.Round {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentRound
}

// LastRoundTC returns the TC that triggered the current round, if any.
func (p *Pacemaker) LastRoundTC() *aleobft.TimeoutCertificate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRoundTC
}

// NoteCommit records that round committed, shrinking future round
// timers back towards base until the chain stalls again.
func (p *Pacemaker) NoteCommit(round aleobft.Round) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if round > p.lastCommit {
		p.lastCommit = round
	}
}

// roundTimeout computes T(round) = base + beta * commit_gap(round), the
// recommended form of spec.md §4.3.
func (p *Pacemaker) roundTimeout(round aleobft.Round) time.Duration {
	gap := aleobft.Round(0)
	if round > p.lastCommit {
		gap = round - p.lastCommit
	}
	return p.base + time.Duration(gap)*p.beta
}

// startTimer (re)arms the round timer for the current round, stopping
// any previous one first.
func (p *Pacemaker) startTimer(onFire func()) {
	d := p.roundTimeout(p.currentRound)
	p.timer.Reset(d, onFire)
}

// StartTimer arms the round timer for the current round; onLocalTimeout
// is invoked (on its own goroutine, per time.AfterFunc) when it fires.
// Callers should enqueue a LocalTimeout event onto the Validator's
// single event loop rather than acting on it directly, preserving
// spec.md §5's single-threaded ordering guarantee.
func (p *Pacemaker) StartTimer(onLocalTimeout func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startTimer(onLocalTimeout)
}

// StopTimer cancels the round timer, e.g. on shutdown.
func (p *Pacemaker) StopTimer() {
	p.timer.Stop()
}

// AdvanceRoundQC advances current_round on a fresh QC.
func (p *Pacemaker) AdvanceRoundQC(qc *aleobft.QuorumCertificate, onFire func()) bool {
	if qc == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if qc.Round() < p.currentRound {
		return false
	}
	p.currentRound = qc.Round() + 1
	p.lastRoundTC = nil
	p.startTimer(onFire)
	p.metrics.CurrentRound.Set(float64(p.currentRound))
	if p.onNewRound != nil {
		p.onNewRound(p.currentRound)
	}
	return true
}

// AdvanceRoundTC advances current_round on a fresh TC.
func (p *Pacemaker) AdvanceRoundTC(tc *aleobft.TimeoutCertificate, onFire func()) bool {
	if tc == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tc.Round < p.currentRound {
		return false
	}
	p.currentRound = tc.Round + 1
	p.lastRoundTC = tc
	p.startTimer(onFire)
	p.metrics.CurrentRound.Set(float64(p.currentRound))
	if p.onNewRound != nil {
		p.onNewRound(p.currentRound)
	}
	return true
}

// LocalTimeoutRound builds and broadcasts this validator's own
// timeout for the current round, via Safety.
func (p *Pacemaker) LocalTimeoutRound() error {
	p.mu.Lock()
	round := p.currentRound
	lastTC := p.lastRoundTC
	alreadySent := p.sentTimeout[round]
	p.mu.Unlock()

	if alreadySent {
		return nil
	}

	highQC := p.highQC()
	info, err := p.signer.MakeTimeout(round, highQC, lastTC)
	if err != nil {
		return fmt.Errorf("pacemaker: local timeout round %d: %w", round, err)
	}

	p.mu.Lock()
	p.sentTimeout[round] = true
	p.mu.Unlock()

	p.metrics.TimeoutsTotal.Inc()
	p.log.Info("local timeout", telemetry.RoundField(round)...)

	p.broadcast(aleobft.Timeout{
		Info:         *info,
		LastRoundTC:  lastTC,
		HighCommitQC: p.highCommitQC(),
	})
	return nil
}

// ProcessRemoteTimeout folds tmo into pending_timeouts, idempotent per
// sender. At f+1 matching timeouts it triggers this validator's own
// (Bracha) timeout if not already sent; at 2f+1 it assembles and
// returns a TimeoutCertificate.
func (p *Pacemaker) ProcessRemoteTimeout(tmo aleobft.Timeout) (*aleobft.TimeoutCertificate, error) {
	round := tmo.Info.Round

	p.mu.Lock()
	if round < p.currentRound {
		p.mu.Unlock()
		return nil, nil
	}
	bucket, ok := p.pendingTimeout[round]
	if !ok {
		bucket = make(map[aleobft.Address]aleobft.TimeoutInfo)
		p.pendingTimeout[round] = bucket
	}
	bucket[tmo.Info.Sender] = tmo.Info
	count := len(bucket)
	bracha := count == p.committee.BrachaSize()
	quorum := count >= p.committee.QuorumSize()
	p.mu.Unlock()

	if bracha {
		if err := p.LocalTimeoutRound(); err != nil {
			p.log.Warn("bracha amplification timeout failed", append(telemetry.RoundField(round), "err", err)...)
		}
	}

	if !quorum {
		return nil, nil
	}

	p.mu.Lock()
	bucket = p.pendingTimeout[round]
	rounds := make([]aleobft.Round, 0, len(bucket))
	sigs := make([]aleobft.TimeoutInfo, 0, len(bucket))
	for _, info := range bucket {
		rounds = append(rounds, info.HighQC.Round())
		sigs = append(sigs, info)
	}
	p.mu.Unlock()

	if len(sigs) < p.committee.QuorumSize() {
		return nil, nil
	}

	tc := &aleobft.TimeoutCertificate{
		Round:        round,
		HighQCRounds: rounds,
		Signatures:   sigs,
	}
	p.metrics.TCFormedTotal.Inc()
	p.log.Info("formed timeout certificate", telemetry.RoundField(round)...)
	return tc, nil
}
