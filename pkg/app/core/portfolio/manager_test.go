package portfolio

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager()
}

func TestCreate_Duplicate(t *testing.T) {
	m := newTestManager(t)

	p, err := m.Create(alice, 1, "trading")
	require.NoError(t, err)
	require.Equal(t, alice, p.Custodian)

	_, err = m.Create(alice, 1, "again")
	require.ErrorIs(t, err, ErrExists)
}

func TestDebitCredit(t *testing.T) {
	m := newTestManager(t)
	id := m.EnsureDefault(alice)

	require.NoError(t, m.Deposit(id, "ACME", 100))
	require.Equal(t, int64(100), m.FreeBalance(id, "ACME"))

	require.NoError(t, m.Debit(id, "ACME", 60))
	require.Equal(t, int64(40), m.FreeBalance(id, "ACME"))

	err := m.Debit(id, "ACME", 41)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, int64(40), m.FreeBalance(id, "ACME"), "failed debit must not change balance")

	require.ErrorIs(t, m.Credit(id, "ACME", 0), ErrInvalidAmount)
	require.ErrorIs(t, m.Credit(DefaultOf(bob), "ACME", 5), ErrNotFound)
}

func TestSetCustodian_OnlyCustodian(t *testing.T) {
	m := newTestManager(t)
	id := m.EnsureDefault(alice)

	require.ErrorIs(t, m.SetCustodian(bob, id, bob), ErrNotCustodian)
	require.NoError(t, m.SetCustodian(alice, id, bob))

	got, err := m.Custodian(id)
	require.NoError(t, err)
	require.Equal(t, bob, got)

	// alice no longer custodies it
	require.ErrorIs(t, m.SetAutoAffirm(alice, id, true), ErrNotCustodian)
	require.NoError(t, m.SetAutoAffirm(bob, id, true))
	require.True(t, m.AutoAffirmsReceipts(id))
}

func TestTakeDirty_RestoreRoundTrip(t *testing.T) {
	m := newTestManager(t)
	id := m.EnsureDefault(alice)
	require.NoError(t, m.Deposit(id, "ACME", 250))
	_, err := m.Create(bob, 2, "desk")
	require.NoError(t, err)

	dirty := m.TakeDirty()
	require.Len(t, dirty, 2)
	require.Equal(t, ID{Owner: bob, Number: 2}, dirty[0].ID)
	require.Empty(t, m.TakeDirty(), "dirty set is cleared")

	// copies handed out must not alias live balances
	require.NoError(t, m.Debit(id, "ACME", 50))
	require.Equal(t, int64(250), dirty[1].Balances["ACME"])

	reloaded := NewManager()
	reloaded.Restore(dirty)
	require.Equal(t, int64(250), reloaded.FreeBalance(id, "ACME"))
	require.True(t, reloaded.Exists(ID{Owner: bob, Number: 2}))
	require.Empty(t, reloaded.TakeDirty())
}

func TestAll_DeterministicOrder(t *testing.T) {
	m := newTestManager(t)
	_, _ = m.Create(bob, 2, "")
	_, _ = m.Create(alice, 3, "")
	_, _ = m.Create(alice, 1, "")

	all := m.All()
	require.Len(t, all, 3)
	// bob's address sorts below alice's
	require.Equal(t, ID{Owner: bob, Number: 2}, all[0].ID)
	require.Equal(t, ID{Owner: alice, Number: 1}, all[1].ID)
	require.Equal(t, ID{Owner: alice, Number: 3}, all[2].ID)
}
