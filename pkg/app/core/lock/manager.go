package lock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
)

var (
	ErrInsufficientFreeBalance = errors.New("insufficient free balance")
	ErrAlreadyReleased         = errors.New("lock already released")
	ErrUnknownLock             = errors.New("unknown lock handle")
	ErrInvalidAmount           = errors.New("lock amount must be positive")
	ErrReceiverCount           = errors.New("receivers do not match handles")
)

// Handle identifies an acquired lock. Handles are issued from 1 upwards and
// never reused, so any issued handle that is no longer active has been
// released or converted.
type Handle uint64

// Ref names what a lock is held for.
type Ref struct {
	Instruction uint64 `json:"instruction"`
	Leg         int    `json:"leg"`
}

// Lock reserves units of one asset in one portfolio.
type Lock struct {
	Handle    Handle       `json:"handle"`
	Portfolio portfolio.ID `json:"portfolio"`
	Asset     string       `json:"asset"`
	Amount    int64        `json:"amount"`
	Ref       Ref          `json:"ref"`
}

// Custody is the balance store locks draw from.
type Custody interface {
	FreeBalance(id portfolio.ID, asset string) int64
	Debit(id portfolio.ID, asset string, amount int64) error
	Credit(id portfolio.ID, asset string, amount int64) error
}

type balanceKey struct {
	portfolio portfolio.ID
	asset     string
}

// Manager reserves balances for pending settlement. Acquiring a lock moves
// units out of the portfolio's free balance into escrow held here; releasing
// returns them, converting pays them to a receiver.
type Manager struct {
	mu      sync.Mutex
	custody Custody
	next    Handle
	active  map[Handle]*Lock
	locked  map[balanceKey]int64
}

func NewManager(custody Custody) *Manager {
	return &Manager{
		custody: custody,
		next:    1,
		active:  make(map[Handle]*Lock),
		locked:  make(map[balanceKey]int64),
	}
}

// Acquire reserves amount of asset in p. Fails with ErrInsufficientFreeBalance
// when the free balance cannot cover it.
func (m *Manager) Acquire(p portfolio.ID, asset string, amount int64, ref Ref) (Handle, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if free := m.custody.FreeBalance(p, asset); free < amount {
		return 0, fmt.Errorf("%w: %s %s free %d, need %d", ErrInsufficientFreeBalance, p, asset, free, amount)
	}
	if err := m.custody.Debit(p, asset, amount); err != nil {
		if errors.Is(err, portfolio.ErrInsufficientBalance) {
			return 0, fmt.Errorf("%w: %v", ErrInsufficientFreeBalance, err)
		}
		return 0, fmt.Errorf("lock debit: %w", err)
	}

	h := m.next
	m.next++
	m.active[h] = &Lock{Handle: h, Portfolio: p, Asset: asset, Amount: amount, Ref: ref}
	m.locked[balanceKey{p, asset}] += amount
	return h, nil
}

// Release returns the locked units to their portfolio. A second release of the
// same handle fails with ErrAlreadyReleased.
func (m *Manager) Release(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.activeLocked(h)
	if err != nil {
		return err
	}
	if err := m.custody.Credit(l.Portfolio, l.Asset, l.Amount); err != nil {
		return fmt.Errorf("lock release credit: %w", err)
	}
	m.dropLocked(l)
	return nil
}

// ConvertToTransfer pays the locked units to receiver and consumes the lock.
func (m *Manager) ConvertToTransfer(h Handle, receiver portfolio.ID) error {
	return m.ConvertAll([]Handle{h}, []portfolio.ID{receiver})
}

// ConvertAll converts every handle to a transfer to the matching receiver as
// one unit: either all locks are consumed or none is.
func (m *Manager) ConvertAll(handles []Handle, receivers []portfolio.ID) error {
	if len(handles) != len(receivers) {
		return ErrReceiverCount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	locks := make([]*Lock, len(handles))
	for i, h := range handles {
		l, err := m.activeLocked(h)
		if err != nil {
			return err
		}
		locks[i] = l
	}

	for i, l := range locks {
		if err := m.custody.Credit(receivers[i], l.Asset, l.Amount); err != nil {
			m.undoCreditsLocked(locks[:i], receivers[:i])
			return fmt.Errorf("lock convert credit: %w", err)
		}
	}
	for _, l := range locks {
		m.dropLocked(l)
	}
	return nil
}

// Get returns an active lock.
func (m *Manager) Get(h Handle) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.active[h]
	if !ok {
		return Lock{}, false
	}
	return *l, true
}

// Locked returns the units of asset currently locked in p.
func (m *Manager) Locked(p portfolio.ID, asset string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked[balanceKey{p, asset}]
}

// ActiveCount returns the number of outstanding locks.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Next is the handle the next Acquire will issue. It is persisted with the
// block so released handles stay retired across restarts.
func (m *Manager) Next() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// Restore re-registers locks loaded from persistence and resumes issuing at
// next. The units are already absent from the portfolios' free balances, so
// nothing is debited.
func (m *Manager) Restore(next Handle, locks []Lock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next > m.next {
		m.next = next
	}
	for i := range locks {
		l := locks[i]
		m.active[l.Handle] = &l
		m.locked[balanceKey{l.Portfolio, l.Asset}] += l.Amount
		if l.Handle >= m.next {
			m.next = l.Handle + 1
		}
	}
}

func (m *Manager) activeLocked(h Handle) (*Lock, error) {
	if l, ok := m.active[h]; ok {
		return l, nil
	}
	if h != 0 && h < m.next {
		return nil, fmt.Errorf("%w: handle %d", ErrAlreadyReleased, h)
	}
	return nil, fmt.Errorf("%w: handle %d", ErrUnknownLock, h)
}

func (m *Manager) dropLocked(l *Lock) {
	delete(m.active, l.Handle)
	key := balanceKey{l.Portfolio, l.Asset}
	m.locked[key] -= l.Amount
	if m.locked[key] == 0 {
		delete(m.locked, key)
	}
}

// undoCreditsLocked reverses credits already paid during a failed conversion.
// The units were credited moments ago under the same mutex, so a failing
// debit means custody state is corrupt.
func (m *Manager) undoCreditsLocked(locks []*Lock, receivers []portfolio.ID) {
	for i, l := range locks {
		if err := m.custody.Debit(receivers[i], l.Asset, l.Amount); err != nil {
			panic(fmt.Sprintf("lock: cannot reverse partial conversion of handle %d: %v", l.Handle, err))
		}
	}
}
