package p2p

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/chain"
)

func newPair(t *testing.T) (*Libp2pNet, *Libp2pNet) {
	t.Helper()
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, err := NewLibp2pNet(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NotEmpty(t, a.Addrs())

	b, err := NewLibp2pNet(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0", Bootstrap: a.Addrs()[:1]})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return a, b
}

// eventually republishes until cond holds; gossip meshes form asynchronously.
func eventually(t *testing.T, publish func(), cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		publish()
		return false
	}, 15*time.Second, 200*time.Millisecond)
}

func TestGossipTx(t *testing.T) {
	a, b := newPair(t)

	var mu sync.Mutex
	var got [][]byte
	b.SetHandlers(Handlers{OnTx: func(raw []byte) bool {
		mu.Lock()
		got = append(got, raw)
		mu.Unlock()
		return true
	}})
	var selfSeen atomic.Bool
	a.SetHandlers(Handlers{OnTx: func([]byte) bool { selfSeen.Store(true); return true }})

	raw := []byte(`{"action":"affirm"}`)
	eventually(t, func() { _ = a.PublishTx(context.Background(), raw) }, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})
	mu.Lock()
	assert.Equal(t, raw, got[0])
	mu.Unlock()
	assert.False(t, selfSeen.Load())

	assert.Error(t, a.PublishTx(context.Background(), make([]byte, maxTxBytes+1)))
}

func TestGossipEventsAndBlocks(t *testing.T) {
	a, b := newPair(t)

	events := make(chan EventWire, 64)
	blocks := make(chan BlockWire, 64)
	b.SetHandlers(Handlers{
		OnEvent: func(_ peer.ID, w EventWire) { events <- w },
		OnBlock: func(_ peer.ID, w BlockWire) { blocks <- w },
	})

	ev := settlement.Event{
		Type:        settlement.EventExecuted,
		Instruction: 3,
		OldStatus:   settlement.StatusPending,
		NewStatus:   settlement.StatusExecuted,
		Leg:         -1,
		Block:       9,
	}
	var gotEvent EventWire
	eventually(t, func() { _ = a.PublishEvent(context.Background(), ev) }, func() bool {
		select {
		case gotEvent = <-events:
			return true
		default:
			return false
		}
	})
	assert.Equal(t, ev, gotEvent.Event)
	assert.Equal(t, a.Host().ID().String(), gotEvent.Origin)

	blk := chain.Block{Height: 4, Proposer: "node-a", Time: time.Unix(100, 0), Payload: []byte("x")}
	ann := AnnouncementOf(blk, 1)
	var gotBlock BlockWire
	eventually(t, func() { _ = a.AnnounceBlock(context.Background(), ann) }, func() bool {
		select {
		case gotBlock = <-blocks:
			return true
		default:
			return false
		}
	})
	assert.Equal(t, ann, gotBlock)
	assert.Equal(t, chain.HashOfBlock(blk), gotBlock.Hash)
}

func TestQueryStatus(t *testing.T) {
	a, b := newPair(t)
	a.SetHandlers(Handlers{Status: func() StatusWire {
		return StatusWire{Height: 12, AppHash: chain.Hash{1}, Mempool: 3}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := b.QueryStatus(ctx, a.Host().ID())
	require.NoError(t, err)
	assert.Equal(t, StatusWire{Height: 12, AppHash: chain.Hash{1}, Mempool: 3}, st)

	_, err = a.QueryStatus(ctx, peer.ID("unknown"))
	assert.Error(t, err)
}
