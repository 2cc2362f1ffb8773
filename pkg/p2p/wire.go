package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/chain"
)

func init() {
	gob.Register(EventWire{})
	gob.Register(BlockWire{})
	gob.Register(StatusWire{})
}

// EventWire carries a settlement event observed by Origin.
type EventWire struct {
	Origin string
	Event  settlement.Event
}

// BlockWire announces a committed block without its payload.
type BlockWire struct {
	Height      chain.Height
	Hash        chain.Hash
	Parent      chain.Hash
	AppHash     chain.Hash
	Proposer    string
	TxCount     int
	Attestation []byte
}

// AnnouncementOf summarizes b for gossip.
func AnnouncementOf(b chain.Block, txCount int) BlockWire {
	return BlockWire{
		Height:      b.Height,
		Hash:        chain.HashOfBlock(b),
		Parent:      b.Parent,
		AppHash:     b.AppHash,
		Proposer:    b.Proposer,
		TxCount:     txCount,
		Attestation: b.Attestation,
	}
}

// StatusWire answers a status request.
type StatusWire struct {
	Height  uint64
	AppHash chain.Hash
	Mempool int
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
