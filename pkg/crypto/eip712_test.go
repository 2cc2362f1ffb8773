package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlementCall_SignVerify(t *testing.T) {
	s, err := GenerateKey()
	require.NoError(t, err)
	e := NewEIP712Signer(DefaultDomain())

	call := &SettlementCall{
		Action:  "affirm",
		Payload: `{"instruction":7}`,
		Nonce:   3,
		Sender:  s.Address(),
	}
	sig, err := e.SignCall(s, call)
	require.NoError(t, err)

	ok, err := e.VerifyCall(call, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := *call
	tampered.Nonce = 4
	ok, err = e.VerifyCall(&tampered, sig)
	require.NoError(t, err)
	assert.False(t, ok)

	other := NewEIP712Signer(DomainForChain(1))
	ok, err = other.VerifyCall(call, sig)
	require.NoError(t, err)
	assert.False(t, ok, "signature must not replay across chains")
}

func TestSettlementCall_SenderMismatch(t *testing.T) {
	s, _ := GenerateKey()
	o, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())

	_, err := e.SignCall(s, &SettlementCall{Action: "reject", Payload: "{}", Sender: o.Address()})
	require.Error(t, err)
}

func TestCallToJSON(t *testing.T) {
	e := NewEIP712Signer(DefaultDomain())
	s, _ := GenerateKey()
	out, err := e.CallToJSON(&SettlementCall{Action: "affirm", Payload: "{}", Nonce: 1, Sender: s.Address()})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "SettlementCall", doc["primaryType"])
	assert.Equal(t, "1337", doc["domain"].(map[string]interface{})["chainId"])
}
