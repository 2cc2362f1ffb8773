package settle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/hypersettle/pkg/chain"
)

// computeStateHash hashes the whole application state after a block.
//
// Components, in order: height, block timestamp, then the canonical JSON of
// portfolios (by owner, number), instructions (by id), venues (by id) and
// assets (by ticker). Map keys inside those values are sorted by
// encoding/json, so equal states hash equally on every node.
//
// Locks are not hashed separately: they are derived from the Locks field of
// the instructions.
func (a *App) computeStateHash(height uint64, timestamp int64) (chain.Hash, error) {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(timestamp))
	h.Write(buf[:])

	parts := []struct {
		name string
		v    any
	}{
		{"portfolios", a.portfolios.All()},
		{"instructions", a.engine.List()},
		{"venues", a.venues.List()},
		{"assets", a.assets.List()},
	}
	for _, p := range parts {
		data, err := json.Marshal(p.v)
		if err != nil {
			return chain.Hash{}, fmt.Errorf("marshal %s: %w", p.name, err)
		}
		h.Write([]byte(p.name))
		h.Write(data)
	}

	var out chain.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
