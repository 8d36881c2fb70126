// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package adapters declares the external interfaces the consensus core
// consumes: the Ledger, Mempool, and Crypto adapters of spec.md §6. The
// core never implements transaction execution, storage, or signature
// schemes itself — it is parameterized over these interfaces so the
// embedding node can supply production implementations while this
// module is tested against the in-memory ones in memledger/ and
// memcrypto/.
package adapters

import (
	"context"

	aleobft "github.com/luxfi/aleobft"
)

// Ledger is the speculative-execution and commit interface the core
// requires of its host. SpeculativeExecute must be deterministic and
// side-effect-free on canonical state; Commit is atomic and
// irreversible.
type Ledger interface {
	// SpeculativeExecute executes block against its parent's
	// speculative state and returns the resulting state root.
	SpeculativeExecute(ctx context.Context, block *aleobft.Block) (aleobft.Digest, error)

	// PendingState returns the speculative state root for blockID if
	// the block is still tracked (not yet pruned), or ok=false
	// otherwise.
	PendingState(ctx context.Context, blockID aleobft.Digest) (state aleobft.Digest, ok bool)

	// Commit atomically promotes stateID to canonical state.
	Commit(ctx context.Context, stateID aleobft.Digest) error

	// Prune discards any tracked speculative state for blocks not in
	// keep, mirroring the Block Tree's own prune-on-commit so
	// speculative state does not grow without bound across commits.
	Prune(keep map[aleobft.Digest]bool)
}

// Mempool supplies transaction batches for new proposals. NextBatch
// must be non-blocking and may return an empty payload.
type Mempool interface {
	NextBatch(ctx context.Context) aleobft.Payload
}

// Crypto is opaque to the core: it only ever hashes, signs, and
// verifies byte strings and never inspects protocol semantics.
type Crypto interface {
	Hash(data []byte) aleobft.Digest
	Sign(data []byte) aleobft.Signature
	Verify(signer aleobft.Address, data []byte, sig aleobft.Signature) bool
}
