package settle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/abci"
	"github.com/uhyunpark/hypersettle/pkg/app/core/agenda"
	"github.com/uhyunpark/hypersettle/pkg/app/core/asset"
	"github.com/uhyunpark/hypersettle/pkg/app/core/mempool"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/core/transaction"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
	"github.com/uhyunpark/hypersettle/pkg/chain"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/storage"
)

var ErrNonceTooLow = errors.New("nonce too low")

// Journal persists everything a block changed, atomically.
// *storage.PebbleStore implements it.
type Journal interface {
	CommitState(d storage.StateDelta) error
	LoadState() (storage.Snapshot, error)
}

type Config struct {
	Settlement    settlement.Config
	Domain        crypto.EIP712Domain
	MaxMempoolTxs int
}

type Deps struct {
	Portfolios *portfolio.Manager // required
	Journal    Journal            // nil keeps state in memory only
	Oracle     settlement.ComplianceOracle
	Broker     settlement.Broker
	Stats      settlement.StatsSink
	Logger     *zap.SugaredLogger
}

// App is the settlement application driven by the block producer. Blocks are
// applied one at a time; queries may run concurrently.
type App struct {
	mempool    *mempool.Mempool
	verifier   *transaction.Verifier
	portfolios *portfolio.Manager
	assets     *asset.Registry
	venues     *venue.Registry
	agenda     *agenda.Agenda
	engine     *settlement.Engine
	journal    Journal
	logger     *zap.SugaredLogger

	mu          sync.RWMutex
	height      uint64
	lastHash    chain.Hash
	nonces      map[common.Address]uint64
	dirtyNonces map[common.Address]uint64
	venueTxs    map[common.Hash]venue.ID
	newVenueTxs map[common.Hash]venue.ID
}

// New builds the application and, when a journal is given, restores the last
// committed state from it.
func New(cfg Config, deps Deps) (*App, error) {
	if deps.Portfolios == nil {
		return nil, errors.New("settle: portfolio manager is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	a := &App{
		mempool:     mempool.NewMempool(cfg.MaxMempoolTxs),
		verifier:    transaction.NewVerifier(cfg.Domain),
		portfolios:  deps.Portfolios,
		assets:      asset.NewRegistry(),
		venues:      venue.NewRegistry(),
		agenda:      agenda.New(),
		journal:     deps.Journal,
		logger:      deps.Logger,
		nonces:      make(map[common.Address]uint64),
		dirtyNonces: make(map[common.Address]uint64),
		venueTxs:    make(map[common.Hash]venue.ID),
		newVenueTxs: make(map[common.Hash]venue.ID),
	}

	engine, err := settlement.NewEngine(cfg.Settlement, settlement.Deps{
		Custody: deps.Portfolios,
		Assets:  a.assets,
		Venues:  a.venues,
		Oracle:  deps.Oracle,
		Agenda:  a.agenda,
		Broker:  deps.Broker,
		Stats:   deps.Stats,
		Logger:  deps.Logger.Named("settlement"),
	})
	if err != nil {
		return nil, err
	}
	a.engine = engine

	if a.journal != nil {
		if err := a.restore(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) restore() error {
	snap, err := a.journal.LoadState()
	if err != nil {
		return fmt.Errorf("failed to load settlement journal: %w", err)
	}
	a.portfolios.Restore(snap.Portfolios)
	a.venues.Restore(snap.Venues)
	a.assets.Restore(snap.Assets)
	a.engine.Restore(snap.Height, snap.NextLock, snap.Instructions)
	for addr, n := range snap.Nonces {
		a.nonces[addr] = n
	}
	for h, id := range snap.VenueTxs {
		a.venueTxs[h] = id
	}
	a.height = snap.Height
	a.lastHash = snap.AppHash
	a.logger.Infow("app_restored",
		"height", snap.Height,
		"app_hash", snap.AppHash.String(),
		"portfolios", len(snap.Portfolios),
		"instructions", len(snap.Instructions),
		"venues", len(snap.Venues),
		"assets", len(snap.Assets),
	)
	return nil
}

// CheckTx authenticates raw and checks its nonce against committed state.
// It does not enqueue.
func (a *App) CheckTx(raw []byte) (*transaction.SignedTx, common.Address, error) {
	tx, err := transaction.Parse(raw)
	if err != nil {
		return nil, common.Address{}, err
	}
	sender, err := a.verifier.Verify(tx)
	if err != nil {
		return nil, common.Address{}, err
	}
	if n := a.Nonce(sender); tx.Nonce <= n {
		return nil, common.Address{}, fmt.Errorf("%w: got %d, last %d", ErrNonceTooLow, tx.Nonce, n)
	}
	return tx, sender, nil
}

// PushTx enqueues raw without checking it. Gossiped txs take this path.
func (a *App) PushTx(raw []byte) bool { return a.mempool.PushRaw(raw) }

// SubmitTx checks raw and enqueues it. It returns the call hash.
func (a *App) SubmitTx(raw []byte) (common.Hash, error) {
	tx, _, err := a.CheckTx(raw)
	if err != nil {
		return common.Hash{}, err
	}
	h, err := a.verifier.Hash(tx)
	if err != nil {
		return common.Hash{}, err
	}
	if !a.mempool.PushRaw(raw) {
		return common.Hash{}, errors.New("mempool full")
	}
	return h, nil
}

func (a *App) PrepareProposal(req abci.RequestPrepareProposal) abci.ResponsePrepareProposal {
	return abci.ResponsePrepareProposal{Txs: a.mempool.SelectForProposal(req.MaxTxBytes)}
}

// FinalizeBlock applies one block: due schedules fire first, then the
// block's transactions in order. Heights at or below the last applied one
// are not re-applied.
func (a *App) FinalizeBlock(req abci.RequestFinalizeBlock) abci.ResponseFinalizeBlock {
	a.mu.Lock()
	defer a.mu.Unlock()

	height := uint64(req.Height)
	if a.height > 0 && height <= a.height {
		a.logger.Warnw("block_already_applied", "height", height, "last", a.height)
		return abci.ResponseFinalizeBlock{AppHash: a.lastHash}
	}

	ctx := context.Background()
	a.engine.BeginBlock(height)

	fired := 0
	for _, due := range a.agenda.Due(height) {
		fired++
		if err := a.engine.OnScheduledBlock(ctx, settlement.InstructionID(due.ID)); err != nil {
			a.logger.Infow("scheduled_execution_failed", "instruction", due.ID, "block", due.Block, "err", err)
		}
	}

	results := make([]abci.TxResult, 0, len(req.Txs))
	failed := 0
	for _, raw := range req.Txs {
		res := a.deliverTx(ctx, raw)
		if !res.OK() {
			failed++
		}
		results = append(results, res)
	}

	appHash, err := a.computeStateHash(height, req.Timestamp)
	if err != nil {
		panic(fmt.Sprintf("settle: state hash at height %d: %v", height, err))
	}
	if err := a.commit(height, appHash); err != nil {
		panic(fmt.Sprintf("settle: commit at height %d: %v", height, err))
	}
	a.height = height
	a.lastHash = appHash

	if len(req.Txs) > 0 || fired > 0 {
		a.logger.Infow("block_finalized",
			"height", height,
			"txs", len(req.Txs),
			"failed", failed,
			"scheduled", fired,
			"app_hash", appHash.String(),
		)
	}
	return abci.ResponseFinalizeBlock{TxResults: results, AppHash: appHash}
}

// commit writes the block's delta to the journal in one batch. Caller holds a.mu.
func (a *App) commit(height uint64, appHash chain.Hash) error {
	delta := storage.StateDelta{
		Height:       height,
		AppHash:      appHash,
		NextLock:     a.engine.Locks().Next(),
		Portfolios:   a.portfolios.TakeDirty(),
		Instructions: a.engine.TakeDirty(),
		Venues:       a.venues.TakeDirty(),
		Assets:       a.assets.TakeDirty(),
		Nonces:       a.dirtyNonces,
		VenueTxs:     a.newVenueTxs,
	}
	a.dirtyNonces = make(map[common.Address]uint64)
	a.newVenueTxs = make(map[common.Hash]venue.ID)
	if a.journal == nil {
		return nil
	}
	return a.journal.CommitState(delta)
}

// deliverTx authenticates, replay-checks and dispatches one transaction.
// Caller holds a.mu.
func (a *App) deliverTx(ctx context.Context, raw []byte) abci.TxResult {
	tx, err := transaction.Parse(raw)
	if err != nil {
		return abci.TxResult{Code: CodeInvalidTx, Log: err.Error()}
	}
	res := abci.TxResult{Action: string(tx.Action)}
	callHash, err := a.verifier.Hash(tx)
	if err != nil {
		res.Code, res.Log = CodeInvalidTx, err.Error()
		return res
	}
	res.Hash = callHash.Hex()

	sender, err := a.verifier.Verify(tx)
	if err != nil {
		res.Code, res.Log = CodeUnauthenticated, err.Error()
		return res
	}
	res.Sender = sender.Hex()

	if tx.Action == transaction.ActionCreateVenue {
		if id, seen := a.venueTxs[callHash]; seen {
			res.Code, res.Log = codeOf(settlement.ErrDuplicateVenue), fmt.Sprintf("venue %d already created by this call", id)
			return res
		}
	}
	if last := a.nonces[sender]; tx.Nonce <= last {
		res.Code, res.Log = CodeNonce, fmt.Sprintf("%v: got %d, last %d", ErrNonceTooLow, tx.Nonce, last)
		return res
	}
	a.nonces[sender] = tx.Nonce
	a.dirtyNonces[sender] = tx.Nonce

	// Every authenticated identity holds a default portfolio.
	a.portfolios.EnsureDefault(sender)

	msg, err := a.dispatch(ctx, callHash, sender, tx)
	if err != nil {
		res.Code, res.Log = codeOf(err), err.Error()
		a.logger.Debugw("tx_failed", "action", tx.Action, "sender", sender.Hex(), "code", res.Code, "err", err)
		return res
	}
	res.Log = msg
	return res
}

// Height is the last applied block.
func (a *App) Height() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.height
}

func (a *App) AppHash() chain.Hash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastHash
}

// Nonce is the last nonce accepted from sender (0 if none).
func (a *App) Nonce(sender common.Address) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nonces[sender]
}

func (a *App) Engine() *settlement.Engine     { return a.engine }
func (a *App) Portfolios() *portfolio.Manager { return a.portfolios }
func (a *App) Assets() *asset.Registry        { return a.assets }
func (a *App) Venues() *venue.Registry        { return a.venues }
func (a *App) Agenda() *agenda.Agenda         { return a.agenda }
func (a *App) Domain() crypto.EIP712Domain    { return a.verifier.Domain() }
func (a *App) MempoolLen() int                { return a.mempool.Len() }

var _ abci.Application = (*App)(nil)
