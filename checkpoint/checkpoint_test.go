// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	aleobft "github.com/luxfi/aleobft"
)

func TestLoadMissingFileReturnsNotOK(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"))
	st, ok, err := s.Load()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, State{}, st)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s := New(path)

	want := State{
		CurrentRound:     7,
		HighestVoteRound: 6,
		HighestQCRound:   5,
		LastRoundTC: &aleobft.TimeoutCertificate{
			Round:        4,
			HighQCRounds: []aleobft.Round{3, 3, 2},
		},
	}
	require.NoError(t, s.Save(want))

	got, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want.CurrentRound, got.CurrentRound)
	require.Equal(t, want.HighestVoteRound, got.HighestVoteRound)
	require.Equal(t, want.HighestQCRound, got.HighestQCRound)
	require.Equal(t, want.LastRoundTC.Round, got.LastRoundTC.Round)
	require.Equal(t, want.LastRoundTC.HighQCRounds, got.LastRoundTC.HighQCRounds)
}

func TestSaveOverwritesPreviousCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s := New(path)

	require.NoError(t, s.Save(State{CurrentRound: 1}))
	require.NoError(t, s.Save(State{CurrentRound: 2}))

	got, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, aleobft.Round(2), got.CurrentRound)
}
