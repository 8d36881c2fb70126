// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package committee

import (
	"testing"

	"github.com/stretchr/testify/require"

	aleobft "github.com/luxfi/aleobft"
	"github.com/luxfi/ids"
)

func fourMembers() []aleobft.Address {
	return []aleobft.Address{
		ids.GenerateTestNodeID(),
		ids.GenerateTestNodeID(),
		ids.GenerateTestNodeID(),
		ids.GenerateTestNodeID(),
	}
}

func TestNewRejectsWrongSize(t *testing.T) {
	require := require.New(t)

	members := fourMembers()
	_, err := New(members[:3], 1)
	require.Error(err)

	_, err = New(members, 1)
	require.NoError(err)
}

func TestNewRejectsDuplicates(t *testing.T) {
	members := fourMembers()
	members[1] = members[0]
	_, err := New(members, 1)
	require.Error(t, err)
}

func TestThresholds(t *testing.T) {
	c, err := New(fourMembers(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, c.F())
	require.Equal(t, 4, c.N())
	require.Equal(t, 3, c.QuorumSize())
	require.Equal(t, 2, c.BrachaSize())
}

func TestAtWrapsModuloN(t *testing.T) {
	members := fourMembers()
	c, err := New(members, 1)
	require.NoError(t, err)
	require.Equal(t, members[0], c.At(0))
	require.Equal(t, members[3], c.At(3))
	require.Equal(t, members[0], c.At(4))
	require.Equal(t, members[3], c.At(-1))
}

func TestMember(t *testing.T) {
	members := fourMembers()
	c, err := New(members, 1)
	require.NoError(t, err)
	require.True(t, c.Member(members[2]))
	require.False(t, c.Member(ids.GenerateTestNodeID()))
}

func TestMembersIsDefensiveCopy(t *testing.T) {
	members := fourMembers()
	c, err := New(members, 1)
	require.NoError(t, err)
	cp := c.Members()
	cp[0] = ids.GenerateTestNodeID()
	require.True(t, c.Member(members[0]))
}
