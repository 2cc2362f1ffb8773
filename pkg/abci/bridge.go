package abci

import (
	"github.com/uhyunpark/hypersettle/pkg/chain"
)

type RequestPrepareProposal struct{ Height, MaxTxBytes int64 }
type ResponsePrepareProposal struct{ Txs [][]byte }
type RequestFinalizeBlock struct {
	Height    int64
	Timestamp int64 // unix seconds
	Txs       [][]byte
}

// TxResult reports the outcome of one transaction. Code is empty on success
// and otherwise names the error class.
type TxResult struct {
	Hash   string `json:"hash"`
	Action string `json:"action,omitempty"`
	Sender string `json:"sender,omitempty"`
	Code   string `json:"code,omitempty"`
	Log    string `json:"log,omitempty"`
}

func (r TxResult) OK() bool { return r.Code == "" }

type ResponseFinalizeBlock struct {
	TxResults []TxResult
	AppHash   chain.Hash
}

type Application interface {
	PrepareProposal(RequestPrepareProposal) ResponsePrepareProposal
	FinalizeBlock(RequestFinalizeBlock) ResponseFinalizeBlock
}

// Bridge adapts an Application to the block producer.
type Bridge struct {
	App        Application
	MaxTxBytes int64

	// OnFinalize observes every block result.
	OnFinalize func(height int64, resp ResponseFinalizeBlock)
}

func (b *Bridge) PreparePayload(_ chain.Block, next chain.Height) []byte {
	limit := b.MaxTxBytes
	if limit == 0 {
		limit = 1 << 24
	}
	resp := b.App.PrepareProposal(RequestPrepareProposal{Height: int64(next), MaxTxBytes: limit})
	return joinPayload(resp.Txs)
}

func (b *Bridge) OnCommit(committed chain.Block) chain.Hash {
	resp := b.App.FinalizeBlock(RequestFinalizeBlock{
		Height:    int64(committed.Height),
		Timestamp: committed.Time.Unix(),
		Txs:       SplitPayload(committed.Payload),
	})
	if b.OnFinalize != nil {
		b.OnFinalize(int64(committed.Height), resp)
	}
	return resp.AppHash
}

var _ chain.App = (*Bridge)(nil)

// Transactions are JSON and never contain 0x00, which delimits them in a
// block payload.
func joinPayload(txs [][]byte) []byte {
	var payload []byte
	for _, tx := range txs {
		payload = append(payload, tx...)
		payload = append(payload, 0x00)
	}
	return payload
}

func SplitPayload(p []byte) [][]byte {
	var out [][]byte
	cur := make([]byte, 0, len(p))
	for _, b := range p {
		if b == 0x00 {
			if len(cur) > 0 {
				out = append(out, append([]byte(nil), cur...))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, b)
	}
	if len(cur) > 0 {
		out = append(out, append([]byte(nil), cur...))
	}
	return out
}
