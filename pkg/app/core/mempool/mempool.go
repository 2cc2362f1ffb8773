package mempool

import (
	"sync"

	"github.com/uhyunpark/hypersettle/pkg/app/core/transaction"
)

// Mempool keeps three FIFO queues and drains them in block order:
// (1) admin calls, (2) resolutions (reject, withdraw, cancel),
// (3) instruction calls (create, affirm, execute).
//
// Admin calls go first so venues, assets and portfolios created in a block
// are usable by instructions in the same block. Resolutions precede
// instruction calls so a rejection is never overtaken by an affirmation
// that would execute the instruction.
type Mempool struct {
	mu           sync.Mutex
	admin        [][]byte
	resolutions  [][]byte
	instructions [][]byte
	maxTxs       int
}

// NewMempool returns a mempool holding at most maxTxs transactions
// (0 = unbounded).
func NewMempool(maxTxs int) *Mempool {
	return &Mempool{maxTxs: maxTxs}
}

// PushRaw classifies and enqueues a tx. It reports false when the tx is
// unclassifiable or the pool is full.
func (m *Mempool) PushRaw(b []byte) bool {
	class := transaction.ClassifyRaw(b)
	if class == transaction.ClassUnknown {
		return false
	}
	cp := append([]byte(nil), b...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxTxs > 0 && m.lenLocked() >= m.maxTxs {
		return false
	}
	switch class {
	case transaction.ClassAdmin:
		m.admin = append(m.admin, cp)
	case transaction.ClassResolution:
		m.resolutions = append(m.resolutions, cp)
	default:
		m.instructions = append(m.instructions, cp)
	}
	return true
}

// SelectForProposal removes and returns up to maxBytes worth of txs in
// bucket order (0 = no limit). A bucket stops at the first tx that does not
// fit so FIFO order within a bucket is kept.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64
	pull := func(q *[][]byte) {
		for len(*q) > 0 {
			tx := (*q)[0]
			n := int64(len(tx))
			if maxBytes > 0 && used+n > maxBytes {
				return
			}
			out = append(out, tx)
			used += n
			*q = (*q)[1:]
		}
	}
	pull(&m.admin)
	pull(&m.resolutions)
	pull(&m.instructions)
	return out
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lenLocked()
}

func (m *Mempool) lenLocked() int {
	return len(m.admin) + len(m.resolutions) + len(m.instructions)
}
