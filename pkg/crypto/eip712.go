package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures between chains and deployments.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain signing
}

// DefaultDomain returns the domain of a local development chain.
func DefaultDomain() EIP712Domain {
	return DomainForChain(1337)
}

func DomainForChain(chainID uint64) EIP712Domain {
	return EIP712Domain{
		Name:    "HyperSettle",
		Version: "1",
		ChainID: new(big.Int).SetUint64(chainID),
	}
}

// SettlementCall is the typed message a sender signs for every admin or
// settlement action. Payload is the canonical JSON of the action arguments.
type SettlementCall struct {
	Action  string
	Payload string
	Nonce   uint64
	Sender  common.Address
}

var settlementCallTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"SettlementCall": []apitypes.Type{
		{Name: "action", Type: "string"},
		{Name: "payload", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "sender", Type: "address"},
	},
}

// EIP712Signer hashes, signs and recovers settlement calls under one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func (e *EIP712Signer) typedData(call *SettlementCall) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       settlementCallTypes,
		PrimaryType: "SettlementCall",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"action":  call.Action,
			"payload": call.Payload,
			"nonce":   new(big.Int).SetUint64(call.Nonce).String(),
			"sender":  call.Sender.Hex(),
		},
	}
}

// HashCall returns the EIP-712 digest keccak256("\x19\x01" || domain || struct).
func (e *EIP712Signer) HashCall(call *SettlementCall) ([]byte, error) {
	td := e.typedData(call)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

func (e *EIP712Signer) SignCall(signer *Signer, call *SettlementCall) ([]byte, error) {
	if signer.Address() != call.Sender {
		return nil, fmt.Errorf("signer %s is not the call sender %s", signer.Address().Hex(), call.Sender.Hex())
	}
	hash, err := e.HashCall(call)
	if err != nil {
		return nil, fmt.Errorf("failed to hash call: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverCallSigner returns the address that produced signature over call.
func (e *EIP712Signer) RecoverCallSigner(call *SettlementCall, signature []byte) (common.Address, error) {
	hash, err := e.HashCall(call)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash call: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// VerifyCall reports whether signature over call was produced by call.Sender.
func (e *EIP712Signer) VerifyCall(call *SettlementCall, signature []byte) (bool, error) {
	addr, err := e.RecoverCallSigner(call, signature)
	if err != nil {
		return false, err
	}
	return addr == call.Sender, nil
}

// CallToJSON renders the typed data for eth_signTypedData_v4 wallets.
func (e *EIP712Signer) CallToJSON(call *SettlementCall) (string, error) {
	td := e.typedData(call)
	// wallets expect the chain id as a plain decimal
	out := map[string]interface{}{
		"types":       td.Types,
		"primaryType": td.PrimaryType,
		"domain": map[string]interface{}{
			"name":              td.Domain.Name,
			"version":           td.Domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": td.Domain.VerifyingContract,
		},
		"message": td.Message,
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal typed data: %w", err)
	}
	return string(b), nil
}
