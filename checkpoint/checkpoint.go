// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package checkpoint persists the four safety scalars of spec.md §3's
// Lifecycle (current_round, highest_vote_round, highest_qc_round,
// last_round_tc) so a restarted validator can recover without ever
// re-voting or re-timing-out below where it left off.
//
// Persistence is a single JSON file written atomically (write to a
// temp file in the same directory, then rename), the same
// write-temp-then-rename discipline the teacher's state stores use to
// avoid a torn write on crash.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	aleobft "github.com/luxfi/aleobft"
)

// State is the durable snapshot of a validator's safety scalars.
type State struct {
	CurrentRound     aleobft.Round                 `json:"current_round"`
	HighestVoteRound aleobft.Round                 `json:"highest_vote_round"`
	HighestQCRound   aleobft.Round                 `json:"highest_qc_round"`
	LastRoundTC      *aleobft.TimeoutCertificate   `json:"last_round_tc,omitempty"`
}

// Store reads and atomically writes a State to a single file path.
type Store struct {
	path string
}

// New returns a Store backed by path. The file need not exist yet;
// Load returns a zero State with ok=false in that case.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted State, returning ok=false if no checkpoint
// has ever been written.
func (s *Store) Load() (State, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("checkpoint: decode %s: %w", s.path, err)
	}
	return st, true, nil
}

// Save persists st, overwriting any previous checkpoint. Must be
// called before the corresponding vote, timeout, or proposal is
// broadcast — spec.md §5's "checkpoint-before-emit" ordering — so a
// crash never loses a safety scalar advance after the message that
// depended on it already left the process.
func (s *Store) Save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: rename temp file into place: %w", err)
	}
	return nil
}
