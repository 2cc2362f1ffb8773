package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndReload(t *testing.T) {
	s1, err := GenerateKey()
	require.NoError(t, err)
	require.NotEqual(t, common.Address{}, s1.Address())
	require.Len(t, s1.PrivateKeyHex(), 64)
	require.Len(t, s1.PublicKeyHex(), 130)

	s2, err := FromPrivateKeyHex("0x" + s1.PrivateKeyHex())
	require.NoError(t, err)
	assert.Equal(t, s1.Address(), s2.Address())

	_, err = FromPrivateKeyHex("zz")
	require.Error(t, err)
}

func TestSignRecover(t *testing.T) {
	s, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("settle 42")
	sig, err := s.SignMessage(msg)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)

	hash := ethcrypto.Keccak256(msg)
	got, err := RecoverAddress(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
	assert.True(t, VerifySignature(s.Address(), hash, sig))
	assert.False(t, VerifySignature(common.HexToAddress("0x01"), hash, sig))

	_, err = s.Sign([]byte("short"))
	require.Error(t, err)
	assert.False(t, VerifySignature(s.Address(), hash, []byte{1, 2, 3}))
}

func TestDecodeSignature(t *testing.T) {
	sig := bytes.Repeat([]byte{0xab}, SignatureLength)
	enc := EncodeSignature(sig)

	got, err := DecodeSignature(enc)
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	got, err = DecodeSignature(strings.TrimPrefix(enc, "0x"))
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	_, err = DecodeSignature("0xabcd")
	require.Error(t, err)
	_, err = DecodeSignature("0xnothex")
	require.Error(t, err)
}

func TestEIP55(t *testing.T) {
	for i := 0; i < 5; i++ {
		s, err := GenerateKey()
		require.NoError(t, err)
		assert.Equal(t, s.Address().Hex(), EIP55(s.Address()))
	}
}

func TestParseAddress(t *testing.T) {
	const checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	addr, err := ParseAddress(checksummed)
	require.NoError(t, err)
	assert.Equal(t, checksummed, addr.Hex())

	_, err = ParseAddress(strings.ToLower(checksummed))
	require.NoError(t, err)

	_, err = ParseAddress("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.ErrorIs(t, err, ErrBadChecksum)

	_, err = ParseAddress("alice")
	require.Error(t, err)
}

func TestBLSAttestation(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	s, err := NewBLSSigner(seed)
	require.NoError(t, err)

	msg := []byte("block hash")
	sig := s.Sign(msg)
	assert.True(t, VerifyBLS(s.Pubkey(), sig, msg))
	assert.False(t, VerifyBLS(s.Pubkey(), sig, []byte("other")))

	pk, err := ParseBLSPubkey(s.PubkeyBytes())
	require.NoError(t, err)
	assert.True(t, VerifyBLS(pk, sig, msg))

	_, err = NewBLSSigner([]byte("short"))
	require.Error(t, err)
}
