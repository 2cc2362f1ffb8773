package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/app/core/lock"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
)

// Custody is the portfolio store the engine reads custodians and balances from.
type Custody interface {
	lock.Custody
	PartyResolver
	Exists(id portfolio.ID) bool
}

// AssetRules answers asset-level transfer restrictions.
type AssetRules interface {
	Exists(ticker string) bool
	Frozen(ticker string) bool
	VenueAllowed(ticker string, id venue.ID) bool
}

// Venues is the venue registry as seen by the engine.
type Venues interface {
	Get(id venue.ID) (venue.Venue, error)
	Authorize(id venue.ID, caller common.Address, kind venue.InstructionKind) error
}

// Transfer is the pairing submitted to the compliance oracle for one leg.
// Instruction is 0 for the check made at creation, before an id is allocated.
type Transfer struct {
	Instruction       InstructionID
	Venue             venue.ID
	Sender            common.Address
	Receiver          common.Address
	SenderPortfolio   portfolio.ID
	ReceiverPortfolio portfolio.ID
	Asset             string
	Amount            int64
}

// Verdict is the oracle's answer. Reason is opaque to the engine.
type Verdict struct {
	Approved bool
	Reason   string
}

func Approve() Verdict           { return Verdict{Approved: true} }
func Deny(reason string) Verdict { return Verdict{Reason: reason} }

// ComplianceOracle approves or denies individual transfers.
type ComplianceOracle interface {
	Check(ctx context.Context, t Transfer) (Verdict, error)
}

// ApproveAll is an oracle that approves every transfer.
type ApproveAll struct{}

func (ApproveAll) Check(context.Context, Transfer) (Verdict, error) { return Approve(), nil }

// validator runs the per-leg checks. Callers hold the engine mutex for the
// local checks; compliance runs without it.
type validator struct {
	custody Custody
	assets  AssetRules
	oracle  ComplianceOracle
	maxLegs int
}

func (v *validator) checkShape(legs []Leg) error {
	if len(legs) == 0 {
		return ErrNoLegs
	}
	if v.maxLegs > 0 && len(legs) > v.maxLegs {
		return fmt.Errorf("%w: %d > %d", ErrTooManyLegs, len(legs), v.maxLegs)
	}
	for i, leg := range legs {
		if leg.From == leg.To {
			return legErr(i, ErrSameSenderReceiver)
		}
		if leg.Amount <= 0 {
			return legErr(i, fmt.Errorf("%w: %d", ErrZeroAmount, leg.Amount))
		}
	}
	return nil
}

// checkLocal covers portfolio existence, custodian resolution and asset state.
func (v *validator) checkLocal(i int, leg Leg, venueID venue.ID) error {
	for _, p := range []portfolio.ID{leg.From, leg.To} {
		if !v.custody.Exists(p) {
			return legErr(i, fmt.Errorf("%w: %s", ErrUnknownPortfolio, p))
		}
		if _, err := v.custody.Custodian(p); err != nil {
			return legErr(i, fmt.Errorf("%w: %s: %v", ErrUnknownPortfolio, p, err))
		}
	}
	if !v.assets.Exists(leg.Asset) {
		return legErr(i, fmt.Errorf("%w: %s", ErrUnknownAsset, leg.Asset))
	}
	if v.assets.Frozen(leg.Asset) {
		return legErr(i, fmt.Errorf("%w: %s", ErrAssetFrozen, leg.Asset))
	}
	if !v.assets.VenueAllowed(leg.Asset, venueID) {
		return legErr(i, fmt.Errorf("%w: venue %d asset %s", ErrUnauthorizedVenue, venueID, leg.Asset))
	}
	return nil
}

type balanceKey struct {
	portfolio portfolio.ID
	asset     string
}

// checkCreation validates a new instruction's legs. Balance coverage is
// cumulative across legs that draw the same portfolio and asset.
func (v *validator) checkCreation(legs []Leg, venueID venue.ID) error {
	if err := v.checkShape(legs); err != nil {
		return err
	}
	need := make(map[balanceKey]int64)
	for i, leg := range legs {
		if err := v.checkLocal(i, leg, venueID); err != nil {
			return err
		}
		k := balanceKey{leg.From, leg.Asset}
		need[k] += leg.Amount
		if free := v.custody.FreeBalance(leg.From, leg.Asset); free < need[k] {
			return legErr(i, fmt.Errorf("%w: %s %s free %d, need %d",
				ErrInsufficientFreeBalance, leg.From, leg.Asset, free, need[k]))
		}
	}
	return nil
}

// checkLocks verifies each leg still holds the lock it was created with.
func (v *validator) checkLocks(inst *Instruction, locks *lock.Manager) error {
	if len(inst.Locks) != len(inst.Legs) {
		return fmt.Errorf("%w: instruction %d has %d locks for %d legs",
			ErrInvariantViolation, inst.ID, len(inst.Locks), len(inst.Legs))
	}
	for i, leg := range inst.Legs {
		l, ok := locks.Get(inst.Locks[i])
		if !ok {
			return legErr(i, fmt.Errorf("%w: lock %d missing", ErrInvariantViolation, inst.Locks[i]))
		}
		if l.Portfolio != leg.From || l.Asset != leg.Asset || l.Amount != leg.Amount {
			return legErr(i, fmt.Errorf("%w: lock %d holds %d %s of %s",
				ErrInvariantViolation, l.Handle, l.Amount, l.Asset, l.Portfolio))
		}
	}
	return nil
}

// transfers builds the oracle requests for inst. Custodians were resolved
// during local checks.
func (v *validator) transfers(inst *Instruction) ([]Transfer, error) {
	out := make([]Transfer, len(inst.Legs))
	for i, leg := range inst.Legs {
		sender, err := v.custody.Custodian(leg.From)
		if err != nil {
			return nil, legErr(i, fmt.Errorf("%w: %s", ErrUnknownPortfolio, leg.From))
		}
		receiver, err := v.custody.Custodian(leg.To)
		if err != nil {
			return nil, legErr(i, fmt.Errorf("%w: %s", ErrUnknownPortfolio, leg.To))
		}
		out[i] = Transfer{
			Instruction:       inst.ID,
			Venue:             inst.Venue,
			Sender:            sender,
			Receiver:          receiver,
			SenderPortfolio:   leg.From,
			ReceiverPortfolio: leg.To,
			Asset:             leg.Asset,
			Amount:            leg.Amount,
		}
	}
	return out, nil
}

// checkCompliance consults the oracle leg by leg and stops at the first denial.
func (v *validator) checkCompliance(ctx context.Context, transfers []Transfer) error {
	for i, t := range transfers {
		verdict, err := v.oracle.Check(ctx, t)
		if err != nil {
			return legErr(i, fmt.Errorf("compliance oracle: %w", err))
		}
		if !verdict.Approved {
			return legErr(i, &ComplianceError{Reason: verdict.Reason})
		}
	}
	return nil
}
