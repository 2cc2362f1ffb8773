package portfolio

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound            = errors.New("portfolio not found")
	ErrExists              = errors.New("portfolio already exists")
	ErrNotCustodian        = errors.New("caller is not the portfolio custodian")
	ErrInsufficientBalance = errors.New("insufficient portfolio balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrOverflow            = errors.New("balance overflow")
)

// ID identifies a portfolio: the owning identity plus a per-owner number.
// Number 0 is the owner's default portfolio.
type ID struct {
	Owner  common.Address `json:"owner"`
	Number uint64         `json:"number"`
}

// DefaultOf returns the default portfolio of an identity.
func DefaultOf(owner common.Address) ID { return ID{Owner: owner} }

func (id ID) String() string { return fmt.Sprintf("%s/%d", id.Owner.Hex(), id.Number) }

// Portfolio is a container of asset balances. Balances hold free (unlocked)
// units only; units locked for settlement live with the lock manager until
// released back or converted into a transfer.
type Portfolio struct {
	ID        ID             `json:"id"`
	Name      string         `json:"name"`
	Custodian common.Address `json:"custodian"`

	// AutoAffirmReceipts exempts this portfolio from affirming instructions in
	// which it only receives.
	AutoAffirmReceipts bool `json:"autoAffirmReceipts"`

	Balances map[string]int64 `json:"balances"` // asset -> free units
}

func newPortfolio(id ID, name string, autoAffirm bool) *Portfolio {
	return &Portfolio{
		ID:                 id,
		Name:               name,
		Custodian:          id.Owner,
		AutoAffirmReceipts: autoAffirm,
		Balances:           make(map[string]int64),
	}
}

func (p *Portfolio) clone() Portfolio {
	cp := *p
	cp.Balances = make(map[string]int64, len(p.Balances))
	for k, v := range p.Balances {
		cp.Balances[k] = v
	}
	return cp
}
