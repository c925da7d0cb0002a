package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMembershipRefreshReplacesWholesale(t *testing.T) {
	m := NewMembership()
	m.Refresh([]ServerInfo{{Name: "a", Rank: 1}, {Name: "b", Rank: 2}})

	rank, ok := m.Rank("a")
	require.True(t, ok)
	require.Equal(t, 1, rank)

	m.Refresh([]ServerInfo{{Name: "b", Rank: 2}, {Name: "c", Rank: 3}})
	_, ok = m.Rank("a")
	require.False(t, ok, "a should be gone after a wholesale refresh that omits it")

	require.Len(t, m.All(), 2)
}

func TestHigherPriorityThanExcludesSelfAndEqualOrLowerRank(t *testing.T) {
	m := NewMembership()
	m.Refresh([]ServerInfo{
		{Name: "a", Rank: 1},
		{Name: "b", Rank: 2},
		{Name: "c", Rank: 3},
	})

	higher := m.HigherPriorityThan("b", 2)
	require.Len(t, higher, 1)
	require.Equal(t, "a", higher[0].Name)
}
