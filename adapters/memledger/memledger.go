// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package memledger provides in-memory Ledger and Mempool adapters for
// tests and the example harness. Ledger tracks speculative state as a
// simple hash chain (each block's state root is the hash of its
// parent's root and its own payload) and Commit is a no-op beyond
// bookkeeping, since there is nothing downstream of this module to
// persist to.
package memledger

import (
	"context"
	"errors"
	"sync"

	aleobft "github.com/luxfi/aleobft"
	"github.com/luxfi/aleobft/adapters"
)

// ErrUnknownParentState is returned by SpeculativeExecute when the
// block's parent has no tracked speculative state, e.g. because it was
// already pruned.
var ErrUnknownParentState = errors.New("memledger: parent block has no tracked speculative state")

// Ledger is an in-memory adapters.Ledger. Every tracked block's
// speculative state root remains queryable via PendingState until
// pruned by Prune.
type Ledger struct {
	mu               sync.Mutex
	crypto           adapters.Crypto
	state            map[aleobft.Digest]aleobft.Digest // block hash -> speculative state root
	genesisBlockHash aleobft.Digest
	committed        aleobft.Digest
}

// New creates a Ledger seeded with genesisStateID as the speculative
// state of the implicit genesis block (keyed under genesisBlockHash).
func New(crypto adapters.Crypto, genesisBlockHash, genesisStateID aleobft.Digest) *Ledger {
	l := &Ledger{
		crypto:           crypto,
		state:            make(map[aleobft.Digest]aleobft.Digest),
		genesisBlockHash: genesisBlockHash,
		committed:        genesisStateID,
	}
	l.state[genesisBlockHash] = genesisStateID
	return l
}

// SpeculativeExecute derives block's post-state root from its parent's
// speculative root and its payload, deterministically, and records it.
func (l *Ledger) SpeculativeExecute(ctx context.Context, block *aleobft.Block) (aleobft.Digest, error) {
	parentHash := l.genesisBlockHash
	if block.QC != nil {
		parentHash = block.QC.VoteInfo.ID
	}

	l.mu.Lock()
	parentState, found := l.state[parentHash]
	l.mu.Unlock()
	if !found {
		return aleobft.Digest{}, ErrUnknownParentState
	}

	root := l.crypto.Hash(append(append([]byte{}, parentState[:]...), block.Payload...))

	l.mu.Lock()
	l.state[block.Hash] = root
	l.mu.Unlock()
	return root, nil
}

// PendingState returns the speculative state root for blockID if still
// tracked.
func (l *Ledger) PendingState(ctx context.Context, blockID aleobft.Digest) (aleobft.Digest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.state[blockID]
	return s, ok
}

// Commit promotes stateID to canonical state.
func (l *Ledger) Commit(ctx context.Context, stateID aleobft.Digest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committed = stateID
	return nil
}

// Committed returns the most recently committed state root, for tests
// asserting on final state.
func (l *Ledger) Committed() aleobft.Digest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Prune discards tracked speculative state for blocks the block tree
// no longer holds, bounding memory growth the way a production ledger
// would garbage-collect superseded speculative state.
func (l *Ledger) Prune(keep map[aleobft.Digest]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.state {
		if !keep[id] {
			delete(l.state, id)
		}
	}
}

// Mempool is an in-memory, non-blocking batch source.
type Mempool struct {
	mu    sync.Mutex
	queue [][]byte
}

// NewMempool creates an empty Mempool.
func NewMempool() *Mempool {
	return &Mempool{}
}

// Submit enqueues a transaction batch for a future NextBatch call.
func (m *Mempool) Submit(batch []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, batch)
}

// NextBatch dequeues the oldest submitted batch, or returns an empty
// payload if none is pending.
func (m *Mempool) NextBatch(ctx context.Context) aleobft.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return aleobft.Payload{}
	}
	batch := m.queue[0]
	m.queue = m.queue[1:]
	return aleobft.Payload(batch)
}
