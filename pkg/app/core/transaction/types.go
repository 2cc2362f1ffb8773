package transaction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action names a settlement call.
type Action string

const (
	ActionCreatePortfolio    Action = "create_portfolio"
	ActionSetCustodian       Action = "set_custodian"
	ActionSetAutoAffirm      Action = "set_auto_affirm"
	ActionRegisterAsset      Action = "register_asset"
	ActionIssue              Action = "issue"
	ActionFreezeAsset        Action = "freeze_asset"
	ActionSetVenueFiltering  Action = "set_venue_filtering"
	ActionAllowVenues        Action = "allow_venues"
	ActionDisallowVenues     Action = "disallow_venues"
	ActionCreateVenue        Action = "create_venue"
	ActionSetVenueActive     Action = "set_venue_active"
	ActionUpdateVenueDetails Action = "update_venue_details"
	ActionUpdateVenueType    Action = "update_venue_type"
	ActionUpdateVenueSigners Action = "update_venue_signers"

	ActionCreateInstruction   Action = "create_instruction"
	ActionAffirm              Action = "affirm"
	ActionReject              Action = "reject"
	ActionWithdrawAffirmation Action = "withdraw_affirmation"
	ActionExecuteManual       Action = "execute_manual"
	ActionCancelInstruction   Action = "cancel_instruction"
)

// Class groups actions into block ordering buckets.
type Class int

const (
	ClassUnknown Class = iota
	ClassAdmin
	ClassResolution  // reject, withdraw, cancel
	ClassInstruction // create, affirm, execute
)

func (a Action) Class() Class {
	switch a {
	case ActionCreatePortfolio, ActionSetCustodian, ActionSetAutoAffirm,
		ActionRegisterAsset, ActionIssue, ActionFreezeAsset,
		ActionSetVenueFiltering, ActionAllowVenues, ActionDisallowVenues,
		ActionCreateVenue, ActionSetVenueActive, ActionUpdateVenueDetails, ActionUpdateVenueType,
		ActionUpdateVenueSigners:
		return ClassAdmin
	case ActionReject, ActionWithdrawAffirmation, ActionCancelInstruction:
		return ClassResolution
	case ActionCreateInstruction, ActionAffirm, ActionExecuteManual:
		return ClassInstruction
	default:
		return ClassUnknown
	}
}

// SignedTx is the wire envelope of a settlement call. Payload is the JSON
// string that was signed, carried verbatim.
type SignedTx struct {
	Action    Action `json:"action"`
	Payload   string `json:"payload"`
	Nonce     uint64 `json:"nonce"`
	Sender    string `json:"sender"`
	Signature string `json:"signature"`
}

func (tx *SignedTx) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Validate checks envelope shape only; signatures are checked by Verifier.
func (tx *SignedTx) Validate() error {
	switch {
	case tx.Action.Class() == ClassUnknown:
		return fmt.Errorf("unknown action %q", tx.Action)
	case tx.Sender == "":
		return errors.New("missing sender")
	case tx.Signature == "":
		return errors.New("missing signature")
	case tx.Nonce == 0:
		return errors.New("nonce must start at 1")
	case !json.Valid([]byte(tx.Payload)):
		return errors.New("payload is not valid JSON")
	}
	return nil
}

// Decode unmarshals the payload into v, rejecting unknown fields.
func (tx *SignedTx) Decode(v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(tx.Payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%s payload: %w", tx.Action, err)
	}
	return nil
}

// Parse decodes and validates a raw envelope.
func Parse(data []byte) (*SignedTx, error) {
	var tx SignedTx
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return &tx, nil
}

// ClassifyRaw returns the bucket of a raw envelope without verifying it.
func ClassifyRaw(data []byte) Class {
	var env struct {
		Action Action `json:"action"`
	}
	if len(data) == 0 || data[0] != '{' || json.Unmarshal(data, &env) != nil {
		return ClassUnknown
	}
	return env.Action.Class()
}

// Example:
//
//	{
//	  "action": "affirm",
//	  "payload": "{\"instruction\":7}",
//	  "nonce": 12,
//	  "sender": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	  "signature": "0x..."
//	}
