package settlement

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypersettle/pkg/app/core/agenda"
	"github.com/uhyunpark/hypersettle/pkg/app/core/asset"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
)

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol    = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	issuer   = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	outsider = common.HexToAddress("0x00000000000000000000000000000000000000f6")
)

// recordingOracle approves everything except assets on its deny list and
// counts every consultation.
type recordingOracle struct {
	mu    sync.Mutex
	calls int
	deny  map[string]string
	hook  func(Transfer)
}

func (o *recordingOracle) Check(_ context.Context, t Transfer) (Verdict, error) {
	o.mu.Lock()
	o.calls++
	reason, denied := o.deny[t.Asset]
	hook := o.hook
	o.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	if denied {
		return Deny(reason), nil
	}
	return Approve(), nil
}

func (o *recordingOracle) setDeny(asset, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if reason == "" {
		delete(o.deny, asset)
		return
	}
	o.deny[asset] = reason
}

func (o *recordingOracle) setHook(fn func(Transfer)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hook = fn
}

func (o *recordingOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

type recordingStats struct {
	mu      sync.Mutex
	records []statRecord
	err     error
}

func (s *recordingStats) RecordSettlement(v venue.ID, asset string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, statRecord{venue: v, asset: asset, amount: amount})
	return s.err
}

type fixture struct {
	pm     *portfolio.Manager
	assets *asset.Registry
	venues *venue.Registry
	agenda *agenda.Agenda
	oracle *recordingOracle
	stats  *recordingStats
	eng    *Engine

	venueID    venue.ID
	p1, p2, p3 portfolio.ID

	evMu   sync.Mutex
	events []Event
}

// newFixture builds an engine at block 1 over three portfolios:
// P1 (alice) holds 100 X, P3 (carol) holds 50 Y, P2 (bob) holds nothing.
func newFixture(t testing.TB, cfg Config) *fixture {
	t.Helper()

	pm := portfolio.NewManager()

	f := &fixture{
		pm:     pm,
		assets: asset.NewRegistry(),
		venues: venue.NewRegistry(),
		agenda: agenda.New(),
		oracle: &recordingOracle{deny: make(map[string]string)},
		stats:  &recordingStats{},
		p1:     pm.EnsureDefault(alice),
		p2:     pm.EnsureDefault(bob),
		p3:     pm.EnsureDefault(carol),
	}

	for _, ticker := range []string{"X", "Y"} {
		_, err := f.assets.Register(issuer, ticker, 0)
		require.NoError(t, err)
	}
	require.NoError(t, pm.Deposit(f.p1, "X", 100))
	require.NoError(t, pm.Deposit(f.p3, "Y", 50))

	v, err := f.venues.Register(operator, "test venue", venue.TypeExchange,
		[]venue.InstructionKind{venue.KindImmediate, venue.KindAtBlock, venue.KindManual})
	require.NoError(t, err)
	f.venueID = v.ID

	f.eng, err = NewEngine(cfg, Deps{
		Custody: pm,
		Assets:  f.assets,
		Venues:  f.venues,
		Oracle:  f.oracle,
		Agenda:  f.agenda,
		Stats:   f.stats,
		Broker: BrokerFunc(func(ev Event) {
			f.evMu.Lock()
			defer f.evMu.Unlock()
			f.events = append(f.events, ev)
		}),
	})
	require.NoError(t, err)
	f.eng.BeginBlock(1)
	return f
}

func (f *fixture) create(t testing.TB, mode Mode, legs ...Leg) InstructionID {
	t.Helper()
	id, err := f.eng.CreateInstruction(context.Background(), CreateRequest{
		Creator: operator,
		Venue:   f.venueID,
		Mode:    mode,
		Legs:    legs,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t testing.TB, id InstructionID) Status {
	t.Helper()
	inst, err := f.eng.Instruction(id)
	require.NoError(t, err)
	return inst.Status
}

func (f *fixture) free(p portfolio.ID, asset string) int64 {
	return f.pm.FreeBalance(p, asset)
}

// advance moves to height and delivers every due scheduler callback.
func (f *fixture) advance(height uint64) []error {
	f.eng.BeginBlock(height)
	var errs []error
	for _, e := range f.agenda.Due(height) {
		errs = append(errs, f.eng.OnScheduledBlock(context.Background(), InstructionID(e.ID)))
	}
	return errs
}

func (f *fixture) eventTypes() []EventType {
	f.evMu.Lock()
	defer f.evMu.Unlock()
	out := make([]EventType, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

func (f *fixture) eventsFor(id InstructionID) []Event {
	f.evMu.Lock()
	defer f.evMu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.Instruction == id {
			out = append(out, ev)
		}
	}
	return out
}

func leg(from, to portfolio.ID, asset string, amount int64) Leg {
	return Leg{From: from, To: to, Asset: asset, Amount: amount}
}
