package portfolio

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Manager owns every portfolio in a thread-safe manner.
// Balance changes are applied in memory; TakeDirty hands the touched
// portfolios to the block journal, which persists them with the rest of the
// block's state in one batch.
type Manager struct {
	mu         sync.RWMutex
	portfolios map[ID]*Portfolio
	dirty      map[ID]struct{}

	// AutoAffirmDefault seeds AutoAffirmReceipts on portfolios created here.
	AutoAffirmDefault bool
}

func NewManager() *Manager {
	return &Manager{
		portfolios: make(map[ID]*Portfolio),
		dirty:      make(map[ID]struct{}),
	}
}

// Create registers a new portfolio owned (and initially custodied) by owner.
func (m *Manager) Create(owner common.Address, number uint64, name string) (Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := ID{Owner: owner, Number: number}
	if _, exists := m.portfolios[id]; exists {
		return Portfolio{}, fmt.Errorf("%w: %s", ErrExists, id)
	}

	p := newPortfolio(id, name, m.AutoAffirmDefault)
	m.portfolios[id] = p
	m.dirty[id] = struct{}{}
	return p.clone(), nil
}

// EnsureDefault creates the owner's default portfolio if it is missing.
func (m *Manager) EnsureDefault(owner common.Address) ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := DefaultOf(owner)
	if _, exists := m.portfolios[id]; !exists {
		m.portfolios[id] = newPortfolio(id, "default", m.AutoAffirmDefault)
		m.dirty[id] = struct{}{}
	}
	return id
}

// Get returns a copy of the portfolio.
func (m *Manager) Get(id ID) (Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.portfolios[id]
	if !ok {
		return Portfolio{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.clone(), nil
}

func (m *Manager) Exists(id ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.portfolios[id]
	return ok
}

// ListByOwner returns the owner's portfolios ordered by number.
func (m *Manager) ListByOwner(owner common.Address) []Portfolio {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Portfolio
	for id, p := range m.portfolios {
		if id.Owner == owner {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Number < out[j].ID.Number })
	return out
}

// All returns every portfolio in a deterministic order (owner, number).
// Used for the state hash.
func (m *Manager) All() []Portfolio {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Portfolio, 0, len(m.portfolios))
	for _, p := range m.portfolios {
		out = append(out, p.clone())
	}
	sortPortfolios(out)
	return out
}

func sortPortfolios(ps []Portfolio) {
	sort.Slice(ps, func(i, j int) bool {
		if c := bytes.Compare(ps[i].ID.Owner[:], ps[j].ID.Owner[:]); c != 0 {
			return c < 0
		}
		return ps[i].ID.Number < ps[j].ID.Number
	})
}

// Custodian resolves the identity that acts for a portfolio.
func (m *Manager) Custodian(id ID) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.portfolios[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Custodian, nil
}

// AutoAffirmsReceipts reports the portfolio's receive-only exemption flag.
func (m *Manager) AutoAffirmsReceipts(id ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.portfolios[id]
	return ok && p.AutoAffirmReceipts
}

// SetCustodian hands custody to another identity. Only the current custodian may do so.
func (m *Manager) SetCustodian(caller common.Address, id ID, custodian common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.custodiedLocked(caller, id)
	if err != nil {
		return err
	}
	p.Custodian = custodian
	m.dirty[id] = struct{}{}
	return nil
}

// SetAutoAffirm toggles the receive-only exemption. Custodian only.
func (m *Manager) SetAutoAffirm(caller common.Address, id ID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.custodiedLocked(caller, id)
	if err != nil {
		return err
	}
	p.AutoAffirmReceipts = enabled
	m.dirty[id] = struct{}{}
	return nil
}

// Deposit mints units into a portfolio (asset issuance).
func (m *Manager) Deposit(id ID, asset string, amount int64) error {
	return m.Credit(id, asset, amount)
}

// FreeBalance returns units of asset available to lock. Unknown portfolios hold nothing.
func (m *Manager) FreeBalance(id ID, asset string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.portfolios[id]
	if !ok {
		return 0
	}
	return p.Balances[asset]
}

// Debit removes units from the free balance.
func (m *Manager) Debit(id ID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.portfolios[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if have := p.Balances[asset]; have < amount {
		return fmt.Errorf("%w: %s %s have %d, need %d", ErrInsufficientBalance, id, asset, have, amount)
	}

	p.Balances[asset] -= amount
	if p.Balances[asset] == 0 {
		delete(p.Balances, asset)
	}
	m.dirty[id] = struct{}{}
	return nil
}

// Credit adds units to the free balance.
func (m *Manager) Credit(id ID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.portfolios[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Balances[asset] > math.MaxInt64-amount {
		return fmt.Errorf("%w: %s %s", ErrOverflow, id, asset)
	}

	p.Balances[asset] += amount
	m.dirty[id] = struct{}{}
	return nil
}

// TakeDirty returns copies of the portfolios touched since the last call,
// ordered by (owner, number), and clears the dirty set.
func (m *Manager) TakeDirty() []Portfolio {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Portfolio, 0, len(m.dirty))
	for id := range m.dirty {
		out = append(out, m.portfolios[id].clone())
	}
	m.dirty = make(map[ID]struct{})
	sortPortfolios(out)
	return out
}

// Restore replaces the in-memory state with persisted portfolios.
func (m *Manager) Restore(ps []Portfolio) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.portfolios = make(map[ID]*Portfolio, len(ps))
	m.dirty = make(map[ID]struct{})
	for i := range ps {
		p := ps[i].clone()
		m.portfolios[p.ID] = &p
	}
}

// custodiedLocked fetches a portfolio the caller custodies (assumes lock is held)
func (m *Manager) custodiedLocked(caller common.Address, id ID) (*Portfolio, error) {
	p, ok := m.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Custodian != caller {
		return nil, fmt.Errorf("%w: %s", ErrNotCustodian, id)
	}
	return p, nil
}
