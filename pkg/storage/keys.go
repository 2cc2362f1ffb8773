package storage

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
	"github.com/uhyunpark/hypersettle/pkg/chain"
)

// Key schema:
//
//	b:<hash>         block (gob)
//	h:<height>       block hash at height
//	cm               committed block hash
//	st:height        last applied height
//	st:apphash       last app hash
//	st:lockseq       next lock handle to issue
//	ins:<id>         instruction (json)
//	pf:<owner><num>  portfolio (json), an owner's portfolios in number order
//	ven:<id>         venue (json)
//	ast:<ticker>     asset (json)
//	non:<address>    last nonce of a sender
//	vtx:<tx hash>    venue created by a create_venue call
const (
	prefixBlock       = "b:"
	prefixHeight      = "h:"
	prefixInstruction = "ins:"
	prefixPortfolio   = "pf:"
	prefixVenue       = "ven:"
	prefixAsset       = "ast:"
	prefixNonce       = "non:"
	prefixVenueTx     = "vtx:"
)

var (
	keyCommitted = []byte("cm")
	keyHeight    = []byte("st:height")
	keyAppHash   = []byte("st:apphash")
	keyLockSeq   = []byte("st:lockseq")
)

func u64(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func withPrefix(prefix string, rest []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(rest))
	return append(append(k, prefix...), rest...)
}

func blockKey(h chain.Hash) []byte     { return withPrefix(prefixBlock, h[:]) }
func heightKey(h chain.Height) []byte  { return withPrefix(prefixHeight, u64(uint64(h))) }
func venueKey(id venue.ID) []byte      { return withPrefix(prefixVenue, u64(uint64(id))) }
func assetKey(ticker string) []byte    { return withPrefix(prefixAsset, []byte(ticker)) }
func nonceKey(a common.Address) []byte { return withPrefix(prefixNonce, a[:]) }
func venueTxKey(h common.Hash) []byte  { return withPrefix(prefixVenueTx, h[:]) }
func portfolioKey(id portfolio.ID) []byte {
	return withPrefix(prefixPortfolio, append(id.Owner.Bytes(), u64(id.Number)...))
}
func instructionKey(id settlement.InstructionID) []byte {
	return withPrefix(prefixInstruction, u64(uint64(id)))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
