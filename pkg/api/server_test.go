package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypersettle/pkg/abci"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/core/stats"
	"github.com/uhyunpark/hypersettle/pkg/app/core/transaction"
	"github.com/uhyunpark/hypersettle/pkg/app/settle"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/events"
)

type fixture struct {
	t      *testing.T
	app    *settle.App
	server *Server
	eip712 *crypto.EIP712Signer
	nonces map[common.Address]uint64
	height int64
	alice  *crypto.Signer
	bob    *crypto.Signer
	txLog  *memWAL
}

type memWAL struct{ lines []string }

func (w *memWAL) Append(line string) { w.lines = append(w.lines, line) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	collector := stats.NewCollector(reg)
	bus := events.NewBus(nil)
	bus.Push(collector.Observe)

	pm := portfolio.NewManager()
	app, err := settle.New(settle.Config{
		Settlement: settlement.DefaultConfig(),
		Domain:     crypto.DefaultDomain(),
	}, settle.Deps{Portfolios: pm, Broker: bus, Stats: collector})
	require.NoError(t, err)

	alice, err := crypto.GenerateKey()
	require.NoError(t, err)
	bob, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		t:      t,
		app:    app,
		eip712: crypto.NewEIP712Signer(crypto.DefaultDomain()),
		nonces: make(map[common.Address]uint64),
		alice:  alice,
		bob:    bob,
		txLog:  &memWAL{},
	}
	f.server = NewServer(app, Options{Stats: collector, Gatherer: reg, Bus: bus, TxLog: f.txLog})
	return f
}

func (f *fixture) tx(key *crypto.Signer, action transaction.Action, payload any) []byte {
	f.t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(f.t, err)
	f.nonces[key.Address()]++
	tx, err := transaction.Sign(f.eip712, key, action, string(body), f.nonces[key.Address()])
	require.NoError(f.t, err)
	raw, err := tx.Serialize()
	require.NoError(f.t, err)
	return raw
}

func (f *fixture) block(txs ...[]byte) {
	f.t.Helper()
	f.height++
	resp := f.app.FinalizeBlock(abci.RequestFinalizeBlock{Height: f.height, Timestamp: f.height, Txs: txs})
	for _, r := range resp.TxResults {
		require.Truef(f.t, r.OK(), "%s: %s %s", r.Action, r.Code, r.Log)
	}
}

func ref(a common.Address) transaction.PortfolioRef {
	return transaction.PortfolioRef{Owner: a.Hex()}
}

// seed issues 1.00 ACME to alice and leaves a pending 0.40 transfer to bob.
func (f *fixture) seed() {
	f.block(
		f.tx(f.alice, transaction.ActionRegisterAsset, transaction.RegisterAsset{Ticker: "ACME", Decimals: 2}),
		f.tx(f.alice, transaction.ActionIssue, transaction.Issue{Ticker: "ACME", Amount: 100, To: ref(f.alice.Address())}),
		f.tx(f.alice, transaction.ActionCreateVenue, transaction.CreateVenue{Details: "otc", Kinds: []string{"manual"}}),
		f.tx(f.bob, transaction.ActionSetAutoAffirm, transaction.SetAutoAffirm{Portfolio: ref(f.bob.Address())}),
	)
	f.block(f.tx(f.alice, transaction.ActionCreateInstruction, transaction.CreateInstruction{
		Venue: 1,
		Mode:  "manual",
		Legs:  []transaction.Leg{{From: ref(f.alice.Address()), To: ref(f.bob.Address()), Asset: "ACME", Amount: 40}},
	}))
}

func (f *fixture) get(path string, out any) int {
	f.t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestReferenceData(t *testing.T) {
	f := newFixture(t)
	f.seed()

	var assets []AssetInfo
	require.Equal(t, http.StatusOK, f.get("/api/v1/assets", &assets))
	require.Len(t, assets, 1)
	assert.Equal(t, Amount{Units: 100, Value: "1.00"}, assets[0].TotalSupply)

	var v VenueInfo
	require.Equal(t, http.StatusOK, f.get("/api/v1/venues/1", &v))
	assert.Equal(t, "otc", v.Details)
	assert.Equal(t, []string{"manual"}, v.AllowedKinds)
	assert.Equal(t, http.StatusNotFound, f.get("/api/v1/venues/9", nil))
}

func TestPortfolioBalances(t *testing.T) {
	f := newFixture(t)
	f.seed()

	var p PortfolioInfo
	require.Equal(t, http.StatusOK, f.get("/api/v1/portfolios/"+f.alice.Address().Hex()+"/0", &p))
	require.Len(t, p.Balances, 1)
	assert.Equal(t, "0.60", p.Balances[0].Free.Value)
	assert.Equal(t, "0.40", p.Balances[0].Locked.Value)
	assert.Equal(t, f.alice.Address().Hex(), p.Custodian)

	var list []PortfolioInfo
	require.Equal(t, http.StatusOK, f.get("/api/v1/portfolios/"+f.bob.Address().Hex(), &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusBadRequest, f.get("/api/v1/portfolios/0xnothex", nil))
}

func TestInstructionsAndPending(t *testing.T) {
	f := newFixture(t)
	f.seed()

	var inst InstructionInfo
	require.Equal(t, http.StatusOK, f.get("/api/v1/instructions/1", &inst))
	assert.Equal(t, "pending", inst.Status)
	assert.Equal(t, "manual(0)", inst.Mode)
	require.Len(t, inst.Legs, 1)
	assert.Equal(t, "0.40", inst.Legs[0].Amount.Value)
	assert.True(t, inst.Legs[0].Locked)

	var pending []InstructionInfo
	require.Equal(t, http.StatusOK, f.get("/api/v1/parties/"+f.bob.Address().Hex()+"/pending", &pending))
	require.Len(t, pending, 1)

	var executed []InstructionInfo
	require.Equal(t, http.StatusOK, f.get("/api/v1/instructions?status=executed", &executed))
	assert.Empty(t, executed)

	f.block(
		f.tx(f.alice, transaction.ActionAffirm, transaction.InstructionRef{Instruction: 1}),
		f.tx(f.bob, transaction.ActionAffirm, transaction.InstructionRef{Instruction: 1}),
		f.tx(f.alice, transaction.ActionExecuteManual, transaction.InstructionRef{Instruction: 1}),
	)
	require.Equal(t, http.StatusOK, f.get("/api/v1/instructions?status=executed", &executed))
	assert.Len(t, executed, 1)

	var vols []VolumeInfo
	require.Equal(t, http.StatusOK, f.get("/api/v1/stats/assets", &vols))
	require.Len(t, vols, 1)
	assert.Equal(t, VolumeInfo{Key: "ACME", Legs: 1, Amount: Amount{Units: 40, Value: "0.40"}}, vols[0])

	var status ChainStatus
	require.Equal(t, http.StatusOK, f.get("/api/v1/chain/status", &status))
	assert.Equal(t, uint64(3), status.Height)
	assert.Equal(t, uint64(1337), status.ChainID)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `hypersettle_settlement_asset_volume_total{asset="ACME"} 40`)
}

func TestSubmitTx(t *testing.T) {
	f := newFixture(t)
	raw := f.tx(f.alice, transaction.ActionRegisterAsset, transaction.RegisterAsset{Ticker: "ACME"})

	var gossiped [][]byte
	f.server.opts.Gossip = func(b []byte) { gossiped = append(gossiped, b) }

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tx", bytes.NewReader(raw)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SubmitTxResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "submitted", resp.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, 1, f.app.MempoolLen())
	assert.Len(t, gossiped, 1)
	require.Len(t, f.txLog.lines, 1)
	assert.Contains(t, f.txLog.lines[0], resp.Hash)

	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tx", strings.NewReader(`{"action":"affirm"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.block(f.app.PrepareProposal(abci.RequestPrepareProposal{MaxTxBytes: 1 << 20}).Txs...)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tx", bytes.NewReader(raw)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var nonce NonceInfo
	require.Equal(t, http.StatusOK, f.get("/api/v1/nonces/"+f.alice.Address().Hex(), &nonce))
	assert.Equal(t, uint64(1), nonce.Nonce)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.hub.Run(ctx)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"instruction:7"}}))

	require.Eventually(t, func() bool {
		f.server.hub.mu.RLock()
		defer f.server.hub.mu.RUnlock()
		for c := range f.server.hub.clients {
			if c.IsSubscribed("instruction:7") {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	f.server.BroadcastEvent(settlement.Event{Type: settlement.EventRescheduled, Instruction: 8})
	f.server.BroadcastEvent(settlement.Event{
		Type:        settlement.EventExecuted,
		Instruction: 7,
		OldStatus:   settlement.StatusPending,
		NewStatus:   settlement.StatusExecuted,
		Leg:         -1,
		Block:       12,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg WSEvent
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, WSEvent{
		Type:        "instruction_executed",
		Channel:     "instruction:7",
		Instruction: 7,
		OldStatus:   "pending",
		NewStatus:   "executed",
		Leg:         -1,
		Block:       12,
	}, msg)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
