package port

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateNDistinctAscending(t *testing.T) {
	a := New(21000, 21050)
	ports, err := a.AllocateN(5)
	require.NoError(t, err)
	require.Len(t, ports, 5)

	seen := make(map[int]bool)
	for i, p := range ports {
		require.False(t, seen[p], "port reused: %d", p)
		seen[p] = true
		if i > 0 {
			require.Greater(t, p, ports[i-1])
		}
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := New(21100, 21100)
	_, err := a.AllocateN(1)
	require.NoError(t, err)

	_, err = a.AllocateN(1)
	require.Error(t, err)
}

func TestReleaseAllowsReuse(t *testing.T) {
	a := New(21200, 21200)
	p, err := a.Allocate()
	require.NoError(t, err)

	a.Release(p)
	p2, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, p, p2)
}
