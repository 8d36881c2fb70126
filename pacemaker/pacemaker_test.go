// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pacemaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	aleobft "github.com/luxfi/aleobft"
	"github.com/luxfi/aleobft/committee"
	"github.com/luxfi/ids"
)

type fakeSigner struct {
	calls int
}

func (s *fakeSigner) MakeTimeout(round aleobft.Round, highQC *aleobft.QuorumCertificate, lastTC *aleobft.TimeoutCertificate) (*aleobft.TimeoutInfo, error) {
	s.calls++
	return &aleobft.TimeoutInfo{Round: round, HighQC: highQC, Sender: ids.EmptyNodeID}, nil
}

func fourMembers() []aleobft.Address {
	return []aleobft.Address{
		ids.GenerateTestNodeID(), ids.GenerateTestNodeID(),
		ids.GenerateTestNodeID(), ids.GenerateTestNodeID(),
	}
}

func newTestPacemaker(t *testing.T) (*Pacemaker, *fakeSigner, []aleobft.Timeout) {
	members := fourMembers()
	c, err := committee.New(members, 1)
	require.NoError(t, err)
	signer := &fakeSigner{}
	var broadcasted []aleobft.Timeout

	p := New(Config{
		Committee:        c,
		Signer:           signer,
		BaseRoundTimeout: time.Hour, // long enough the timer never fires during the test
		BetaCommitGap:    time.Minute,
		HighQC:           func() *aleobft.QuorumCertificate { return nil },
		HighCommitQC:     func() *aleobft.QuorumCertificate { return nil },
		Broadcast:        func(tmo aleobft.Timeout) { broadcasted = append(broadcasted, tmo) },
	}, 1, nil)
	return p, signer, broadcasted
}

func TestAdvanceRoundQCMovesForwardOnly(t *testing.T) {
	p, _, _ := newTestPacemaker(t)
	qc := &aleobft.QuorumCertificate{VoteInfo: aleobft.VoteInfo{Round: 3}}
	require.True(t, p.AdvanceRoundQC(qc, func() {}))
	require.Equal(t, aleobft.Round(4), p.CurrentRound())

	stale := &aleobft.QuorumCertificate{VoteInfo: aleobft.VoteInfo{Round: 1}}
	require.False(t, p.AdvanceRoundQC(stale, func() {}))
	require.Equal(t, aleobft.Round(4), p.CurrentRound())
}

func TestAdvanceRoundTCSetsLastRoundTC(t *testing.T) {
	p, _, _ := newTestPacemaker(t)
	tc := &aleobft.TimeoutCertificate{Round: 5}
	require.True(t, p.AdvanceRoundTC(tc, func() {}))
	require.Equal(t, aleobft.Round(6), p.CurrentRound())
	require.Equal(t, tc, p.LastRoundTC())
}

func TestProcessRemoteTimeoutFormsTCAtQuorum(t *testing.T) {
	members := fourMembers()
	c, err := committee.New(members, 1)
	require.NoError(t, err)
	signer := &fakeSigner{}

	p := New(Config{
		Committee:        c,
		Signer:           signer,
		BaseRoundTimeout: time.Hour,
		BetaCommitGap:    time.Minute,
		HighQC:           func() *aleobft.QuorumCertificate { return nil },
		HighCommitQC:     func() *aleobft.QuorumCertificate { return nil },
		Broadcast:        func(aleobft.Timeout) {},
	}, 1, nil)

	for i, m := range members[:2] {
		tc, err := p.ProcessRemoteTimeout(aleobft.Timeout{Info: aleobft.TimeoutInfo{Round: 1, Sender: m, HighQC: &aleobft.QuorumCertificate{}}})
		require.NoError(t, err)
		if i == 0 {
			require.Nil(t, tc) // only 1 of f+1=2 timeouts collected
		}
	}
	// By now f+1=2 distinct timeouts have arrived; this validator should
	// have amplified its own timeout (Bracha) but no TC yet (quorum=3).
	require.Equal(t, 1, signer.calls)

	tc, err := p.ProcessRemoteTimeout(aleobft.Timeout{Info: aleobft.TimeoutInfo{Round: 1, Sender: members[2], HighQC: &aleobft.QuorumCertificate{}}})
	require.NoError(t, err)
	require.NotNil(t, tc)
	require.Equal(t, aleobft.Round(1), tc.Round)
	require.Len(t, tc.Signatures, 3)
}

func TestProcessRemoteTimeoutIsIdempotentPerSender(t *testing.T) {
	p, signer, _ := newTestPacemaker(t)
	members := fourMembers()

	for i := 0; i < 3; i++ {
		_, err := p.ProcessRemoteTimeout(aleobft.Timeout{Info: aleobft.TimeoutInfo{Round: 1, Sender: members[0], HighQC: &aleobft.QuorumCertificate{}}})
		require.NoError(t, err)
	}
	require.Equal(t, 0, signer.calls) // a single sender repeated never reaches f+1=2 distinct senders
}

func TestLocalTimeoutRoundBroadcastsOnce(t *testing.T) {
	members := fourMembers()
	c, err := committee.New(members, 1)
	require.NoError(t, err)
	signer := &fakeSigner{}
	var broadcasted []aleobft.Timeout

	p := New(Config{
		Committee:        c,
		Signer:           signer,
		BaseRoundTimeout: time.Hour,
		BetaCommitGap:    time.Minute,
		HighQC:           func() *aleobft.QuorumCertificate { return nil },
		HighCommitQC:     func() *aleobft.QuorumCertificate { return nil },
		Broadcast:        func(tmo aleobft.Timeout) { broadcasted = append(broadcasted, tmo) },
	}, 1, nil)

	require.NoError(t, p.LocalTimeoutRound())
	require.NoError(t, p.LocalTimeoutRound())
	require.Len(t, broadcasted, 1)
	require.Equal(t, 1, signer.calls)
}
