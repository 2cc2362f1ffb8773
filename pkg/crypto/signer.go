package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an [R || S || V] secp256k1 signature.
const SignatureLength = 65

// Signer holds a secp256k1 key. Identities on the ledger are the derived
// Ethereum addresses.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func GenerateKey() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(key), nil
}

// FromPrivateKeyHex loads a key from 64 hex chars, with or without 0x.
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(key), nil
}

func (s *Signer) Address() common.Address { return s.address }

// PrivateKeyHex returns the key without 0x prefix. Never log it.
func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(s.key))
}

func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSAPub(&s.key.PublicKey))
}

// Sign signs a 32-byte digest.
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// SignMessage signs keccak256(message).
func (s *Signer) SignMessage(message []byte) ([]byte, error) {
	return s.Sign(crypto.Keccak256(message))
}

// RecoverAddress returns the address whose key produced signature over hash.
func RecoverAddress(hash, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("invalid hash length: %d", len(hash))
	}
	pub, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func VerifySignature(address common.Address, hash, signature []byte) bool {
	got, err := RecoverAddress(hash, signature)
	return err == nil && got == address
}

// DecodeSignature parses a hex signature with or without 0x.
func DecodeSignature(sig string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(b) != SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(b))
	}
	return b, nil
}

func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}
