package compliance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/params"
)

// Reason codes returned in denials.
const (
	ReasonSenderDenied   = "SENDER_DENIED"
	ReasonReceiverDenied = "RECEIVER_DENIED"
	ReasonMaxTransfer    = "MAX_TRANSFER_EXCEEDED"
	ReasonAssetPaused    = "ASSET_TRANSFERS_PAUSED"
)

// Rules is a static rule-set oracle: identity deny lists, per-asset
// single-transfer caps and per-asset pauses. It implements
// settlement.ComplianceOracle.
type Rules struct {
	mu          sync.RWMutex
	denied      map[common.Address]struct{}
	maxTransfer map[string]int64
	paused      map[string]struct{}
	logger      *zap.SugaredLogger
}

func NewRules(logger *zap.SugaredLogger) *Rules {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Rules{
		denied:      make(map[common.Address]struct{}),
		maxTransfer: make(map[string]int64),
		paused:      make(map[string]struct{}),
		logger:      logger,
	}
}

// FromConfig builds a rule set from node configuration.
func FromConfig(cfg params.Compliance, logger *zap.SugaredLogger) (*Rules, error) {
	r := NewRules(logger)
	for _, raw := range cfg.DenyList {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("compliance deny list: invalid address %q", raw)
		}
		r.Deny(common.HexToAddress(raw))
	}
	for _, pair := range cfg.MaxTransfer {
		ticker, amount, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("compliance max transfer: want TICKER:amount, got %q", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("compliance max transfer: invalid amount in %q", pair)
		}
		r.SetMaxTransfer(strings.TrimSpace(ticker), n)
	}
	return r, nil
}

func (r *Rules) Deny(id common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denied[id] = struct{}{}
}

func (r *Rules) Allow(id common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.denied, id)
}

// SetMaxTransfer caps single legs of asset. limit <= 0 removes the cap.
func (r *Rules) SetMaxTransfer(asset string, limit int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		delete(r.maxTransfer, asset)
		return
	}
	r.maxTransfer[asset] = limit
}

func (r *Rules) Pause(asset string, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if paused {
		r.paused[asset] = struct{}{}
	} else {
		delete(r.paused, asset)
	}
}

// Check evaluates t against the rule set. Rules are checked in a fixed
// order so the reported reason is deterministic.
func (r *Rules) Check(ctx context.Context, t settlement.Transfer) (settlement.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return settlement.Verdict{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var reason string
	switch {
	case r.isPaused(t.Asset):
		reason = ReasonAssetPaused
	case r.isDenied(t.Sender):
		reason = ReasonSenderDenied
	case r.isDenied(t.Receiver):
		reason = ReasonReceiverDenied
	case r.exceedsCap(t.Asset, t.Amount):
		reason = ReasonMaxTransfer
	default:
		return settlement.Approve(), nil
	}

	r.logger.Debugw("compliance_denied",
		"instruction", t.Instruction, "asset", t.Asset, "amount", t.Amount,
		"sender", t.Sender.Hex(), "receiver", t.Receiver.Hex(), "reason", reason)
	return settlement.Deny(reason), nil
}

func (r *Rules) isDenied(id common.Address) bool {
	_, ok := r.denied[id]
	return ok
}

func (r *Rules) isPaused(asset string) bool {
	_, ok := r.paused[asset]
	return ok
}

func (r *Rules) exceedsCap(asset string, amount int64) bool {
	limit, ok := r.maxTransfer[asset]
	return ok && amount > limit
}
