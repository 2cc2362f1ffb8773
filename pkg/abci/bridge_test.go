package abci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypersettle/pkg/chain"
)

type stubApp struct {
	txs       [][]byte
	finalized []RequestFinalizeBlock
}

func (s *stubApp) PrepareProposal(req RequestPrepareProposal) ResponsePrepareProposal {
	return ResponsePrepareProposal{Txs: s.txs}
}

func (s *stubApp) FinalizeBlock(req RequestFinalizeBlock) ResponseFinalizeBlock {
	s.finalized = append(s.finalized, req)
	return ResponseFinalizeBlock{AppHash: chain.Hash{byte(req.Height)}}
}

func TestBridge_RoundTrip(t *testing.T) {
	app := &stubApp{txs: [][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)}}
	var seen int64
	b := &Bridge{App: app, OnFinalize: func(h int64, _ ResponseFinalizeBlock) { seen = h }}

	payload := b.PreparePayload(chain.GenesisBlock(), 1)
	h := b.OnCommit(chain.Block{Height: 4, Payload: payload, Time: time.Unix(99, 0)})

	assert.Equal(t, chain.Hash{4}, h)
	assert.Equal(t, int64(4), seen)
	require.Len(t, app.finalized, 1)
	assert.Equal(t, int64(99), app.finalized[0].Timestamp)
	assert.Equal(t, app.txs, app.finalized[0].Txs)
}

func TestSplitPayload(t *testing.T) {
	assert.Nil(t, SplitPayload(nil))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("bc")}, SplitPayload([]byte("a\x00\x00bc")))
}
