package storage

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypersettle/pkg/app/core/asset"
	"github.com/uhyunpark/hypersettle/pkg/app/core/lock"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
	"github.com/uhyunpark/hypersettle/pkg/chain"
)

func newMemStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewMemPebbleStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testBlockStore(t *testing.T, s chain.BlockStore) {
	_, ok, err := s.GetCommitted()
	require.NoError(t, err)
	require.False(t, ok)

	b1 := chain.Block{Height: 1, Payload: []byte("a"), Proposer: "n1", Time: time.Unix(10, 0).UTC()}
	b2 := chain.Block{Height: 2, Parent: chain.HashOfBlock(b1), Proposer: "n1", Time: time.Unix(11, 0).UTC(), Attestation: []byte{1}}
	require.NoError(t, s.SaveBlock(b1))
	require.NoError(t, s.SaveBlock(b2))
	require.NoError(t, s.SetCommitted(chain.HashOfBlock(b2)))

	got, ok, err := s.BlockAt(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chain.HashOfBlock(b1), chain.HashOfBlock(got))

	h, ok, err := s.GetCommitted()
	require.NoError(t, err)
	require.True(t, ok)
	got, ok, err = s.GetBlock(h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chain.Height(2), got.Height)
	assert.Equal(t, []byte{1}, got.Attestation)

	_, ok, err = s.BlockAt(9)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlockStores(t *testing.T) {
	t.Run("pebble", func(t *testing.T) { testBlockStore(t, newMemStore(t)) })
	t.Run("memory", func(t *testing.T) { testBlockStore(t, NewInMemoryBlockStore()) })
}

func TestCommitAndLoadState(t *testing.T) {
	s := newMemStore(t)
	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb2")

	inst := settlement.Instruction{
		ID:     1,
		Venue:  3,
		Status: settlement.StatusPending,
		Mode:   settlement.AtBlock(20),
		Legs: []settlement.Leg{{
			From: portfolio.DefaultOf(alice), To: portfolio.DefaultOf(bob), Asset: "ACME", Amount: 5,
		}},
		Affirmations: settlement.Tracker{Parties: []settlement.Affirmation{
			{Party: alice, State: settlement.AffirmationAffirmed},
			{Party: bob, State: settlement.AffirmationPending},
		}},
		ScheduledAt: 20,
	}
	txHash := common.HexToHash("0xfeed")
	require.NoError(t, s.CommitState(StateDelta{
		Height:  7,
		AppHash: chain.Hash{9},
		Portfolios: []portfolio.Portfolio{
			{ID: portfolio.ID{Owner: alice, Number: 2}, Custodian: alice, Balances: map[string]int64{"ACME": 5}},
			{ID: portfolio.DefaultOf(alice), Custodian: alice, Balances: map[string]int64{"ACME": 95}},
		},
		Instructions: []settlement.Instruction{inst},
		Venues:       []venue.Venue{{ID: 3, Owner: alice, Active: true, AllowedKinds: []venue.InstructionKind{venue.KindAtBlock}}},
		Assets:       []asset.Asset{{Ticker: "BOND", Issuer: bob}, {Ticker: "ACME", Issuer: alice, Decimals: 2}},
		Nonces:       map[common.Address]uint64{alice: 4},
		VenueTxs:     map[common.Hash]venue.ID{txHash: 3},
	}))

	inst.Status = settlement.StatusExecuted
	require.NoError(t, s.CommitState(StateDelta{
		Height:       8,
		NextLock:     4,
		Portfolios:   []portfolio.Portfolio{{ID: portfolio.DefaultOf(alice), Custodian: alice, Balances: map[string]int64{"ACME": 90}}},
		Instructions: []settlement.Instruction{inst},
		Nonces:       map[common.Address]uint64{alice: 5},
	}))

	snap, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), snap.Height)
	assert.Equal(t, lock.Handle(4), snap.NextLock)
	require.Len(t, snap.Portfolios, 2)
	assert.Equal(t, portfolio.DefaultOf(alice), snap.Portfolios[0].ID)
	assert.Equal(t, int64(90), snap.Portfolios[0].Balances["ACME"])
	assert.Equal(t, int64(5), snap.Portfolios[1].Balances["ACME"])
	require.Len(t, snap.Instructions, 1)
	assert.Equal(t, settlement.StatusExecuted, snap.Instructions[0].Status)
	assert.Equal(t, inst.Legs, snap.Instructions[0].Legs)
	assert.Equal(t, inst.Affirmations, snap.Instructions[0].Affirmations)
	require.Len(t, snap.Venues, 1)
	assert.Equal(t, venue.ID(3), snap.Venues[0].ID)
	require.Len(t, snap.Assets, 2)
	assert.Equal(t, "ACME", snap.Assets[0].Ticker)
	assert.Equal(t, uint64(5), snap.Nonces[alice])
	assert.Equal(t, venue.ID(3), snap.VenueTxs[txHash])
}

func TestFileWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "commit.log")
	w, err := NewFileWAL(path)
	require.NoError(t, err)
	w.Append("commit height=1")
	w.Append("commit height=2")
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	assert.Equal(t, []string{"commit height=1", "commit height=2"}, lines)
}
