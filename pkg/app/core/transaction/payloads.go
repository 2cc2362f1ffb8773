package transaction

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
)

// PortfolioRef names a portfolio on the wire. An empty owner means the sender.
type PortfolioRef struct {
	Owner  string `json:"owner,omitempty"`
	Number uint64 `json:"number"`
}

// Resolve returns the portfolio id, defaulting the owner to sender.
func (r PortfolioRef) Resolve(sender common.Address) (portfolio.ID, error) {
	if r.Owner == "" {
		return portfolio.ID{Owner: sender, Number: r.Number}, nil
	}
	owner, err := crypto.ParseAddress(r.Owner)
	if err != nil {
		return portfolio.ID{}, fmt.Errorf("portfolio owner: %w", err)
	}
	return portfolio.ID{Owner: owner, Number: r.Number}, nil
}

// ParseAddresses parses a list of identities.
func ParseAddresses(list []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(list))
	for _, s := range list {
		a, err := crypto.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

type CreatePortfolio struct {
	Number uint64 `json:"number"`
	Name   string `json:"name"`
}

type SetCustodian struct {
	Portfolio PortfolioRef `json:"portfolio"`
	Custodian string       `json:"custodian"`
}

type SetAutoAffirm struct {
	Portfolio PortfolioRef `json:"portfolio"`
	Enabled   bool         `json:"enabled"`
}

type RegisterAsset struct {
	Ticker   string `json:"ticker"`
	Decimals uint8  `json:"decimals"`
}

// Issue mints new units of an asset into a portfolio. Only the issuer may issue.
type Issue struct {
	Ticker string       `json:"ticker"`
	Amount int64        `json:"amount"`
	To     PortfolioRef `json:"to"`
}

type FreezeAsset struct {
	Ticker string `json:"ticker"`
	Frozen bool   `json:"frozen"`
}

type SetVenueFiltering struct {
	Ticker  string `json:"ticker"`
	Enabled bool   `json:"enabled"`
}

// VenueList is the payload of allow_venues and disallow_venues.
type VenueList struct {
	Ticker string   `json:"ticker"`
	Venues []uint64 `json:"venues"`
}

type CreateVenue struct {
	Details string   `json:"details"`
	Type    string   `json:"type"`
	Kinds   []string `json:"kinds"`
}

type SetVenueActive struct {
	Venue  uint64 `json:"venue"`
	Active bool   `json:"active"`
}

type UpdateVenueDetails struct {
	Venue   uint64 `json:"venue"`
	Details string `json:"details"`
}

type UpdateVenueType struct {
	Venue uint64 `json:"venue"`
	Type  string `json:"type"`
}

type UpdateVenueSigners struct {
	Venue  uint64   `json:"venue"`
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

type Leg struct {
	From   PortfolioRef `json:"from"`
	To     PortfolioRef `json:"to"`
	Asset  string       `json:"asset"`
	Amount int64        `json:"amount"`
}

// CreateInstruction carries the settlement mode as a kind name plus block:
// "immediate", "at_block" (block = target) or "manual" (block = earliest).
type CreateInstruction struct {
	Venue     uint64 `json:"venue"`
	Mode      string `json:"mode"`
	Block     uint64 `json:"block,omitempty"`
	Legs      []Leg  `json:"legs"`
	Memo      string `json:"memo,omitempty"`
	TradeDate int64  `json:"tradeDate,omitempty"`
	ValueDate int64  `json:"valueDate,omitempty"`
	Affirm    bool   `json:"affirm,omitempty"` // also affirm as the sender
}

// InstructionRef is the payload of every call that targets one instruction.
type InstructionRef struct {
	Instruction uint64 `json:"instruction"`
}
