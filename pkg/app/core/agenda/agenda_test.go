package agenda

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDueOrdering(t *testing.T) {
	a := New()
	a.Register(7, 3)
	a.Register(5, 9)
	a.Register(5, 2)
	a.Register(9, 1)

	require.Empty(t, a.Due(4))
	require.Equal(t, []Entry{{Block: 5, ID: 2}, {Block: 5, ID: 9}, {Block: 7, ID: 3}}, a.Due(8))
	require.Empty(t, a.Due(8), "due entries are handed out once")
	require.Equal(t, 1, a.Len())
}

func TestRegisterMoves(t *testing.T) {
	a := New()
	a.Register(5, 1)
	a.Register(12, 1)

	require.Empty(t, a.Due(10))
	b, ok := a.Scheduled(1)
	require.True(t, ok)
	require.Equal(t, uint64(12), b)
	require.Equal(t, []Entry{{Block: 12, ID: 1}}, a.Due(12))
}

func TestCancel(t *testing.T) {
	a := New()
	a.Register(5, 1)
	a.Register(5, 2)
	a.Cancel(1)
	a.Cancel(42)

	require.Equal(t, []Entry{{Block: 5, ID: 2}}, a.Due(5))
	a.Cancel(2) // already fired
	require.Zero(t, a.Len())
}

func TestRestoreRedelivers(t *testing.T) {
	a := New()
	a.Register(3, 1)
	due := a.Due(3)
	a.Restore(due)
	require.Equal(t, []Entry{{Block: 3, ID: 1}}, a.Pending())
	require.Equal(t, due, a.Due(10))
}
