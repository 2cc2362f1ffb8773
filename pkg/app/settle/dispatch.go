package settle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/app/core/asset"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/core/transaction"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
)

// Result codes reported in TxResult.Code. Failures raised by the settlement
// engine use the names of settlement.ErrorKind.
const (
	CodeInvalidTx       = "invalid_tx"
	CodeUnauthenticated = "unauthenticated"
	CodeNonce           = "nonce"
	CodeDuplicateVenue  = "duplicate_venue"
)

var errDefaultPortfolio = errors.New("portfolio number 0 is the implicit default portfolio")

func codeOf(err error) string {
	switch {
	case errors.Is(err, settlement.ErrDuplicateVenue):
		return CodeDuplicateVenue
	case errors.Is(err, ErrNonceTooLow):
		return CodeNonce
	case errors.Is(err, portfolio.ErrNotCustodian), errors.Is(err, asset.ErrNotIssuer):
		return settlement.KindAuthorization.String()
	case errors.Is(err, portfolio.ErrNotFound), errors.Is(err, asset.ErrNotFound), errors.Is(err, venue.ErrNotFound):
		return settlement.KindValidation.String()
	}
	return settlement.KindOf(err).String()
}

// dispatch executes an authenticated call. The returned string is a short
// description of the effect for the tx log. Caller holds a.mu.
func (a *App) dispatch(ctx context.Context, callHash common.Hash, sender common.Address, tx *transaction.SignedTx) (string, error) {
	switch tx.Action {
	case transaction.ActionCreatePortfolio:
		var p transaction.CreatePortfolio
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		if p.Number == 0 {
			return "", errDefaultPortfolio
		}
		created, err := a.portfolios.Create(sender, p.Number, p.Name)
		if err != nil {
			return "", err
		}
		return "portfolio=" + created.ID.String(), nil

	case transaction.ActionSetCustodian:
		var p transaction.SetCustodian
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		id, err := p.Portfolio.Resolve(sender)
		if err != nil {
			return "", err
		}
		custodian, err := crypto.ParseAddress(p.Custodian)
		if err != nil {
			return "", fmt.Errorf("custodian: %w", err)
		}
		return "", a.portfolios.SetCustodian(sender, id, custodian)

	case transaction.ActionSetAutoAffirm:
		var p transaction.SetAutoAffirm
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		id, err := p.Portfolio.Resolve(sender)
		if err != nil {
			return "", err
		}
		return "", a.portfolios.SetAutoAffirm(sender, id, p.Enabled)

	case transaction.ActionRegisterAsset:
		var p transaction.RegisterAsset
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		if _, err := a.assets.Register(sender, p.Ticker, p.Decimals); err != nil {
			return "", err
		}
		return "asset=" + p.Ticker, nil

	case transaction.ActionIssue:
		var p transaction.Issue
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		return "", a.issue(sender, p)

	case transaction.ActionFreezeAsset:
		var p transaction.FreezeAsset
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		return "", a.assets.SetFrozen(sender, p.Ticker, p.Frozen)

	case transaction.ActionSetVenueFiltering:
		var p transaction.SetVenueFiltering
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		return "", a.assets.SetVenueFiltering(sender, p.Ticker, p.Enabled)

	case transaction.ActionAllowVenues, transaction.ActionDisallowVenues:
		var p transaction.VenueList
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		ids := make([]venue.ID, len(p.Venues))
		for i, v := range p.Venues {
			ids[i] = venue.ID(v)
		}
		if tx.Action == transaction.ActionAllowVenues {
			return "", a.assets.AllowVenues(sender, p.Ticker, ids...)
		}
		return "", a.assets.DisallowVenues(sender, p.Ticker, ids...)

	case transaction.ActionCreateVenue:
		var p transaction.CreateVenue
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		return a.createVenue(callHash, sender, p)

	case transaction.ActionSetVenueActive:
		var p transaction.SetVenueActive
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		return "", a.venues.SetActive(sender, venue.ID(p.Venue), p.Active)

	case transaction.ActionUpdateVenueDetails:
		var p transaction.UpdateVenueDetails
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		return "", a.venues.UpdateDetails(sender, venue.ID(p.Venue), p.Details)

	case transaction.ActionUpdateVenueType:
		var p transaction.UpdateVenueType
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		typ, err := venue.ParseType(p.Type)
		if err != nil {
			return "", err
		}
		return "", a.venues.UpdateType(sender, venue.ID(p.Venue), typ)

	case transaction.ActionUpdateVenueSigners:
		var p transaction.UpdateVenueSigners
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		return "", a.updateSigners(sender, p)

	case transaction.ActionCreateInstruction:
		var p transaction.CreateInstruction
		if err := tx.Decode(&p); err != nil {
			return "", err
		}
		req, err := createRequest(sender, p)
		if err != nil {
			return "", err
		}
		id, err := a.engine.CreateInstruction(ctx, req)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("instruction=%d", id), nil
	}

	var ref transaction.InstructionRef
	if err := tx.Decode(&ref); err != nil {
		return "", err
	}
	id := settlement.InstructionID(ref.Instruction)
	switch tx.Action {
	case transaction.ActionAffirm:
		return "", a.engine.Affirm(ctx, id, sender)
	case transaction.ActionReject:
		return "", a.engine.Reject(ctx, id, sender)
	case transaction.ActionWithdrawAffirmation:
		return "", a.engine.WithdrawAffirmation(ctx, id, sender)
	case transaction.ActionExecuteManual:
		return "", a.engine.ExecuteManual(ctx, sender, id)
	case transaction.ActionCancelInstruction:
		return "", a.engine.CancelInstruction(ctx, sender, id)
	default:
		return "", fmt.Errorf("unsupported action %q", tx.Action)
	}
}

// issue mints units into a portfolio the issuer names. A missing default
// portfolio of the receiver is created on the way.
func (a *App) issue(sender common.Address, p transaction.Issue) error {
	to, err := p.To.Resolve(sender)
	if err != nil {
		return err
	}
	if to.Number == 0 {
		a.portfolios.EnsureDefault(to.Owner)
	} else if !a.portfolios.Exists(to) {
		return fmt.Errorf("%w: %s", portfolio.ErrNotFound, to)
	}
	if err := a.assets.RecordIssuance(sender, p.Ticker, p.Amount); err != nil {
		return err
	}
	// Total supply bounds every balance, so the credit cannot overflow.
	return a.portfolios.Deposit(to, p.Ticker, p.Amount)
}

func (a *App) createVenue(callHash common.Hash, sender common.Address, p transaction.CreateVenue) (string, error) {
	typ, err := venue.ParseType(p.Type)
	if err != nil {
		return "", err
	}
	kinds := make([]venue.InstructionKind, 0, len(p.Kinds))
	for _, s := range p.Kinds {
		k, err := venue.ParseKind(s)
		if err != nil {
			return "", err
		}
		kinds = append(kinds, k)
	}
	v, err := a.venues.Register(sender, p.Details, typ, kinds)
	if err != nil {
		return "", err
	}
	a.venueTxs[callHash] = v.ID
	a.newVenueTxs[callHash] = v.ID
	return fmt.Sprintf("venue=%d", v.ID), nil
}

func (a *App) updateSigners(sender common.Address, p transaction.UpdateVenueSigners) error {
	add, err := transaction.ParseAddresses(p.Add)
	if err != nil {
		return fmt.Errorf("signers to add: %w", err)
	}
	remove, err := transaction.ParseAddresses(p.Remove)
	if err != nil {
		return fmt.Errorf("signers to remove: %w", err)
	}
	id := venue.ID(p.Venue)
	// Removal is checked up front so a failing removal leaves no additions behind.
	if len(add) > 0 && len(remove) > 0 {
		v, err := a.venues.Get(id)
		if err != nil {
			return err
		}
		for _, s := range remove {
			if !containsAddr(v.Signers, s) {
				return fmt.Errorf("%w: %s", venue.ErrSignerNotFound, s.Hex())
			}
		}
	}
	if len(add) > 0 {
		if err := a.venues.AddSigners(sender, id, add...); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		return a.venues.RemoveSigners(sender, id, remove...)
	}
	return nil
}

func createRequest(sender common.Address, p transaction.CreateInstruction) (settlement.CreateRequest, error) {
	kind, err := venue.ParseKind(p.Mode)
	if err != nil {
		return settlement.CreateRequest{}, fmt.Errorf("%w: %v", settlement.ErrInvalidMode, err)
	}
	var mode settlement.Mode
	switch kind {
	case venue.KindImmediate:
		mode = settlement.Immediate()
	case venue.KindAtBlock:
		mode = settlement.AtBlock(p.Block)
	case venue.KindManual:
		mode = settlement.Manual(p.Block)
	}

	legs := make([]settlement.Leg, len(p.Legs))
	for i, l := range p.Legs {
		from, err := l.From.Resolve(sender)
		if err != nil {
			return settlement.CreateRequest{}, fmt.Errorf("leg %d from: %w", i, err)
		}
		to, err := l.To.Resolve(sender)
		if err != nil {
			return settlement.CreateRequest{}, fmt.Errorf("leg %d to: %w", i, err)
		}
		legs[i] = settlement.Leg{From: from, To: to, Asset: l.Asset, Amount: l.Amount}
	}

	return settlement.CreateRequest{
		Creator:   sender,
		Venue:     venue.ID(p.Venue),
		Mode:      mode,
		Legs:      legs,
		Memo:      p.Memo,
		TradeDate: p.TradeDate,
		ValueDate: p.ValueDate,
		Affirm:    p.Affirm,
	}, nil
}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
