package crypto

import (
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// BLSSigner attests committed block hashes.
type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewBLSSigner derives a key from seed (at least 32 bytes).
func NewBLSSigner(seed []byte) (*BLSSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

func (s *BLSSigner) PubkeyBytes() []byte {
	b, _ := s.pk.MarshalBinary()
	return b
}

func (s *BLSSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

func VerifyBLS(pk *BLSPubKey, sig, msg []byte) bool {
	return bls.Verify(pk, msg, bls.Signature(sig))
}

// ParseBLSPubkey decodes a key produced by PubkeyBytes.
func ParseBLSPubkey(b []byte) (*BLSPubKey, error) {
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("bls pubkey: %w", err)
	}
	return pk, nil
}
