package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/app/core/asset"
	"github.com/uhyunpark/hypersettle/pkg/app/core/lock"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
	"github.com/uhyunpark/hypersettle/pkg/chain"
)

// PebbleStore persists blocks and the settlement journal.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// NewMemPebbleStore opens a store on an in-memory filesystem.
func NewMemPebbleStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (s *PebbleStore) SaveBlock(b chain.Block) error {
	val, err := encodeGob(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	h := chain.HashOfBlock(b)
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(blockKey(h), val, nil); err != nil {
		return err
	}
	if err := batch.Set(heightKey(b.Height), h[:], nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetBlock(h chain.Hash) (chain.Block, bool, error) {
	val, ok, err := s.get(blockKey(h))
	if err != nil || !ok {
		return chain.Block{}, false, err
	}
	var out chain.Block
	if err := decodeGob(val, &out); err != nil {
		return chain.Block{}, false, fmt.Errorf("decode block %s: %w", h, err)
	}
	return out, true, nil
}

func (s *PebbleStore) BlockAt(height chain.Height) (chain.Block, bool, error) {
	val, ok, err := s.get(heightKey(height))
	if err != nil || !ok {
		return chain.Block{}, false, err
	}
	var h chain.Hash
	copy(h[:], val)
	return s.GetBlock(h)
}

func (s *PebbleStore) SetCommitted(h chain.Hash) error {
	return s.db.Set(keyCommitted, h[:], pebble.Sync)
}

func (s *PebbleStore) GetCommitted() (chain.Hash, bool, error) {
	val, ok, err := s.get(keyCommitted)
	if err != nil || !ok {
		return chain.Hash{}, false, err
	}
	var out chain.Hash
	copy(out[:], val)
	return out, true, nil
}

var _ chain.BlockStore = (*PebbleStore)(nil)

// StateDelta is everything a block changed. It is written in one batch, so
// balances and the instructions holding locks on them never diverge on disk.
type StateDelta struct {
	Height       uint64
	AppHash      chain.Hash
	NextLock     lock.Handle
	Portfolios   []portfolio.Portfolio
	Instructions []settlement.Instruction
	Venues       []venue.Venue
	Assets       []asset.Asset
	Nonces       map[common.Address]uint64
	VenueTxs     map[common.Hash]venue.ID
}

// Snapshot is the journal contents loaded at startup.
type Snapshot struct {
	Height       uint64
	AppHash      chain.Hash
	NextLock     lock.Handle
	Portfolios   []portfolio.Portfolio    // by owner, then number
	Instructions []settlement.Instruction // key order: by id
	Venues       []venue.Venue            // by id
	Assets       []asset.Asset            // by ticker
	Nonces       map[common.Address]uint64
	VenueTxs     map[common.Hash]venue.ID
}

// CommitState writes a block's delta in one synced batch.
func (s *PebbleStore) CommitState(d StateDelta) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	put := func(key []byte, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		return batch.Set(key, data, nil)
	}

	for _, p := range d.Portfolios {
		if err := put(portfolioKey(p.ID), p); err != nil {
			return err
		}
	}
	for _, inst := range d.Instructions {
		if err := put(instructionKey(inst.ID), inst); err != nil {
			return err
		}
	}
	for _, v := range d.Venues {
		if err := put(venueKey(v.ID), v); err != nil {
			return err
		}
	}
	for _, a := range d.Assets {
		if err := put(assetKey(a.Ticker), a); err != nil {
			return err
		}
	}
	for addr, n := range d.Nonces {
		if err := batch.Set(nonceKey(addr), u64(n), nil); err != nil {
			return err
		}
	}
	for h, id := range d.VenueTxs {
		if err := batch.Set(venueTxKey(h), u64(uint64(id)), nil); err != nil {
			return err
		}
	}
	if err := batch.Set(keyHeight, u64(d.Height), nil); err != nil {
		return err
	}
	if err := batch.Set(keyAppHash, d.AppHash[:], nil); err != nil {
		return err
	}
	if err := batch.Set(keyLockSeq, u64(uint64(d.NextLock)), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit state at height %d: %w", d.Height, err)
	}
	return nil
}

// LoadState reads the whole journal.
func (s *PebbleStore) LoadState() (Snapshot, error) {
	snap := Snapshot{
		Nonces:   make(map[common.Address]uint64),
		VenueTxs: make(map[common.Hash]venue.ID),
	}

	if v, ok, err := s.get(keyHeight); err != nil {
		return snap, err
	} else if ok {
		snap.Height = beU64(v)
	}
	if v, ok, err := s.get(keyAppHash); err != nil {
		return snap, err
	} else if ok {
		copy(snap.AppHash[:], v)
	}
	if v, ok, err := s.get(keyLockSeq); err != nil {
		return snap, err
	} else if ok {
		snap.NextLock = lock.Handle(beU64(v))
	}

	err := s.scan(prefixPortfolio, func(_, val []byte) error {
		var p portfolio.Portfolio
		if err := json.Unmarshal(val, &p); err != nil {
			return fmt.Errorf("decode portfolio: %w", err)
		}
		snap.Portfolios = append(snap.Portfolios, p)
		return nil
	})
	if err != nil {
		return snap, err
	}
	err = s.scan(prefixInstruction, func(_, val []byte) error {
		var inst settlement.Instruction
		if err := json.Unmarshal(val, &inst); err != nil {
			return fmt.Errorf("decode instruction: %w", err)
		}
		snap.Instructions = append(snap.Instructions, inst)
		return nil
	})
	if err != nil {
		return snap, err
	}
	err = s.scan(prefixVenue, func(_, val []byte) error {
		var v venue.Venue
		if err := json.Unmarshal(val, &v); err != nil {
			return fmt.Errorf("decode venue: %w", err)
		}
		snap.Venues = append(snap.Venues, v)
		return nil
	})
	if err != nil {
		return snap, err
	}
	err = s.scan(prefixAsset, func(_, val []byte) error {
		var a asset.Asset
		if err := json.Unmarshal(val, &a); err != nil {
			return fmt.Errorf("decode asset: %w", err)
		}
		snap.Assets = append(snap.Assets, a)
		return nil
	})
	if err != nil {
		return snap, err
	}
	err = s.scan(prefixNonce, func(key, val []byte) error {
		snap.Nonces[common.BytesToAddress(key[len(prefixNonce):])] = beU64(val)
		return nil
	})
	if err != nil {
		return snap, err
	}
	err = s.scan(prefixVenueTx, func(key, val []byte) error {
		snap.VenueTxs[common.BytesToHash(key[len(prefixVenueTx):])] = venue.ID(beU64(val))
		return nil
	})
	if err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *PebbleStore) scan(prefix string, fn func(key, val []byte) error) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: keyUpperBound(p)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func beU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
