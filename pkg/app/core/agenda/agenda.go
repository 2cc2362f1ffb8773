package agenda

import (
	"sort"
	"sync"
)

// Entry is one scheduled callback.
type Entry struct {
	Block uint64 `json:"block"`
	ID    uint64 `json:"id"`
}

// Agenda is a block-indexed one-shot callback table. Each id has at most one
// registration; registering again moves it. Due hands out every entry whose
// block has been reached and forgets it, so a caller that crashes before
// acting must Restore the entries it was given. Consumers therefore see each
// callback at least once.
type Agenda struct {
	mu      sync.Mutex
	byID    map[uint64]uint64
	byBlock map[uint64]map[uint64]struct{}
}

func New() *Agenda {
	return &Agenda{
		byID:    make(map[uint64]uint64),
		byBlock: make(map[uint64]map[uint64]struct{}),
	}
}

// Register schedules id for block, replacing any earlier registration.
func (a *Agenda) Register(block uint64, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.removeLocked(id)
	a.byID[id] = block
	set := a.byBlock[block]
	if set == nil {
		set = make(map[uint64]struct{})
		a.byBlock[block] = set
	}
	set[id] = struct{}{}
}

// Cancel drops id's registration. No-op if it already fired.
func (a *Agenda) Cancel(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(id)
}

// Due removes and returns every entry scheduled at or before height,
// ordered by block then id.
func (a *Agenda) Due(height uint64) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Entry
	for block, set := range a.byBlock {
		if block > height {
			continue
		}
		for id := range set {
			out = append(out, Entry{Block: block, ID: id})
			delete(a.byID, id)
		}
		delete(a.byBlock, block)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Block != out[j].Block {
			return out[i].Block < out[j].Block
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Scheduled returns the block id is registered for.
func (a *Agenda) Scheduled(id uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.byID[id]
	return b, ok
}

func (a *Agenda) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byID)
}

// Pending returns every registration ordered by block then id.
func (a *Agenda) Pending() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Entry, 0, len(a.byID))
	for id, block := range a.byID {
		out = append(out, Entry{Block: block, ID: id})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Block != out[j].Block {
			return out[i].Block < out[j].Block
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore re-registers entries, e.g. ones handed out by Due that were not
// acted on.
func (a *Agenda) Restore(entries []Entry) {
	for _, e := range entries {
		a.Register(e.Block, e.ID)
	}
}

func (a *Agenda) removeLocked(id uint64) {
	block, ok := a.byID[id]
	if !ok {
		return
	}
	delete(a.byID, id)
	if set := a.byBlock[block]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(a.byBlock, block)
		}
	}
}
