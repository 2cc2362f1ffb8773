package transaction

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
)

func TestSignParseVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	e := crypto.NewEIP712Signer(crypto.DefaultDomain())

	tx, err := Sign(e, key, ActionAffirm, `{"instruction":7}`, 1)
	require.NoError(t, err)
	raw, err := tx.Serialize()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	sender, err := NewVerifier(crypto.DefaultDomain()).Verify(parsed)
	require.NoError(t, err)
	assert.Equal(t, key.Address(), sender)

	var ref InstructionRef
	require.NoError(t, parsed.Decode(&ref))
	assert.Equal(t, uint64(7), ref.Instruction)
}

func TestVerify_Tampered(t *testing.T) {
	key, _ := crypto.GenerateKey()
	e := crypto.NewEIP712Signer(crypto.DefaultDomain())
	v := NewVerifier(crypto.DefaultDomain())

	tx, err := Sign(e, key, ActionReject, `{"instruction":1}`, 5)
	require.NoError(t, err)

	tx.Payload = `{"instruction":2}`
	_, err = v.Verify(tx)
	require.ErrorIs(t, err, ErrBadSignature)

	other, _ := crypto.GenerateKey()
	tx.Payload = `{"instruction":1}`
	tx.Sender = other.Address().Hex()
	_, err = v.Verify(tx)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestHash_IgnoresSignatureBytes(t *testing.T) {
	key, _ := crypto.GenerateKey()
	e := crypto.NewEIP712Signer(crypto.DefaultDomain())
	v := NewVerifier(crypto.DefaultDomain())

	tx, err := Sign(e, key, ActionCreateVenue, `{"details":"x","kinds":["manual"]}`, 3)
	require.NoError(t, err)
	h1, err := v.Hash(tx)
	require.NoError(t, err)

	tx.Signature = "0x00"
	h2, err := v.Hash(tx)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	tx.Nonce = 4
	h3, err := v.Hash(tx)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "O:GTC:foo"},
		{"unknown action", `{"action":"order","payload":"{}","nonce":1,"sender":"0x01","signature":"0x00"}`},
		{"missing sender", `{"action":"affirm","payload":"{}","nonce":1,"signature":"0x00"}`},
		{"zero nonce", `{"action":"affirm","payload":"{}","nonce":0,"sender":"0x01","signature":"0x00"}`},
		{"bad payload", `{"action":"affirm","payload":"{","nonce":1,"sender":"0x01","signature":"0x00"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
		})
	}
}

func TestDecode_UnknownField(t *testing.T) {
	tx := &SignedTx{Action: ActionAffirm, Payload: `{"instruction":1,"extra":true}`}
	var ref InstructionRef
	require.Error(t, tx.Decode(&ref))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassAdmin, ActionCreateVenue.Class())
	assert.Equal(t, ClassAdmin, ActionUpdateVenueType.Class())
	assert.Equal(t, ClassResolution, ActionCancelInstruction.Class())
	assert.Equal(t, ClassInstruction, ActionExecuteManual.Class())
	assert.Equal(t, ClassUnknown, Action("order").Class())

	raw, _ := json.Marshal(SignedTx{Action: ActionWithdrawAffirmation})
	assert.Equal(t, ClassResolution, ClassifyRaw(raw))
	assert.Equal(t, ClassUnknown, ClassifyRaw([]byte("garbage")))
}

func TestPortfolioRef(t *testing.T) {
	key, _ := crypto.GenerateKey()

	id, err := PortfolioRef{Number: 2}.Resolve(key.Address())
	require.NoError(t, err)
	assert.Equal(t, portfolio.ID{Owner: key.Address(), Number: 2}, id)

	other, _ := crypto.GenerateKey()
	id, err = PortfolioRef{Owner: other.Address().Hex()}.Resolve(key.Address())
	require.NoError(t, err)
	assert.Equal(t, portfolio.DefaultOf(other.Address()), id)

	_, err = PortfolioRef{Owner: "bob"}.Resolve(key.Address())
	require.Error(t, err)
}
