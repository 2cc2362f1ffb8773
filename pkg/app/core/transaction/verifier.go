package transaction

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/crypto"
)

var ErrBadSignature = errors.New("signature does not match sender")

// Verifier checks EIP-712 signatures of settlement calls.
type Verifier struct {
	signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{signer: crypto.NewEIP712Signer(domain)}
}

func (v *Verifier) Domain() crypto.EIP712Domain { return v.signer.Domain() }

// Call returns the typed message tx claims to carry.
func Call(tx *SignedTx) (*crypto.SettlementCall, error) {
	sender, err := crypto.ParseAddress(tx.Sender)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	return &crypto.SettlementCall{
		Action:  string(tx.Action),
		Payload: tx.Payload,
		Nonce:   tx.Nonce,
		Sender:  sender,
	}, nil
}

// Verify returns the authenticated sender of tx.
func (v *Verifier) Verify(tx *SignedTx) (common.Address, error) {
	call, err := Call(tx)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := crypto.DecodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := v.signer.RecoverCallSigner(call, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature verification failed: %w", err)
	}
	if signer != call.Sender {
		return common.Address{}, fmt.Errorf("%w: recovered %s", ErrBadSignature, signer.Hex())
	}
	return call.Sender, nil
}

// Hash returns the EIP-712 digest of the call tx carries. It identifies a
// call independently of its signature bytes.
func (v *Verifier) Hash(tx *SignedTx) (common.Hash, error) {
	call, err := Call(tx)
	if err != nil {
		return common.Hash{}, err
	}
	digest, err := v.signer.HashCall(call)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(digest), nil
}

// Sign builds a signed envelope. Used by clients and tests.
func Sign(e *crypto.EIP712Signer, key *crypto.Signer, action Action, payload string, nonce uint64) (*SignedTx, error) {
	call := &crypto.SettlementCall{Action: string(action), Payload: payload, Nonce: nonce, Sender: key.Address()}
	sig, err := e.SignCall(key, call)
	if err != nil {
		return nil, err
	}
	return &SignedTx{
		Action:    action,
		Payload:   payload,
		Nonce:     nonce,
		Sender:    key.Address().Hex(),
		Signature: crypto.EncodeSignature(sig),
	}, nil
}
