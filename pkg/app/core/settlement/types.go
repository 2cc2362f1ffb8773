package settlement

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/app/core/lock"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
)

// InstructionID is allocated by the engine from 1 upwards.
type InstructionID uint64

// Status is the lifecycle state of an instruction.
//
//	Pending -> Executed | Rejected | Failed
//	Failed  -> Executed | Rejected | Failed   (manual settlement retries only)
//
// Executed and Rejected are absorbing.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusExecuted
	StatusRejected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuted:
		return "executed"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) canTransition(to Status) bool {
	switch s {
	case StatusUnknown:
		return to == StatusPending
	case StatusPending:
		return to == StatusExecuted || to == StatusRejected || to == StatusFailed
	case StatusFailed:
		return to == StatusExecuted || to == StatusRejected || to == StatusFailed
	default:
		return false
	}
}

// Mode selects when a ready instruction executes.
//
// For KindAtBlock, Block is the target block. For KindManual, Block is the
// earliest block at which execute_manual is accepted (0 = any block).
type Mode struct {
	Kind  venue.InstructionKind `json:"kind"`
	Block uint64                `json:"block,omitempty"`
}

func Immediate() Mode             { return Mode{Kind: venue.KindImmediate} }
func AtBlock(block uint64) Mode   { return Mode{Kind: venue.KindAtBlock, Block: block} }
func Manual(earliest uint64) Mode { return Mode{Kind: venue.KindManual, Block: earliest} }

func (m Mode) String() string {
	switch m.Kind {
	case venue.KindImmediate:
		return "immediate"
	case venue.KindAtBlock:
		return fmt.Sprintf("at_block(%d)", m.Block)
	case venue.KindManual:
		return fmt.Sprintf("manual(%d)", m.Block)
	default:
		return "invalid"
	}
}

// Leg is one directed transfer of a single asset between two portfolios.
type Leg struct {
	From   portfolio.ID `json:"from"`
	To     portfolio.ID `json:"to"`
	Asset  string       `json:"asset"`
	Amount int64        `json:"amount"`
}

// Instruction is a multi-leg settlement request. Legs execute all-or-nothing
// in index order.
type Instruction struct {
	ID        InstructionID  `json:"id"`
	Venue     venue.ID       `json:"venue"`
	Creator   common.Address `json:"creator"`
	Mode      Mode           `json:"mode"`
	Legs      []Leg          `json:"legs"`
	Status    Status         `json:"status"`
	Memo      string         `json:"memo,omitempty"`
	TradeDate int64          `json:"tradeDate,omitempty"` // unix seconds, 0 = unset
	ValueDate int64          `json:"valueDate,omitempty"`

	CreatedAt uint64 `json:"createdAt"`
	ClosedAt  uint64 `json:"closedAt,omitempty"`

	Affirmations Tracker `json:"affirmations"`

	// Locks holds one handle per leg while the instruction is Pending.
	// Failed instructions hold none (all zero).
	Locks []lock.Handle `json:"locks"`

	// ScheduledAt is the block the scheduler callback is registered for.
	// Starts at Mode.Block and moves forward on each reschedule.
	ScheduledAt uint64 `json:"scheduledAt,omitempty"`

	FailureReason string           `json:"failureReason,omitempty"`
	Reschedules   int              `json:"reschedules,omitempty"`
	CancelVotes   []common.Address `json:"cancelVotes,omitempty"`
}

func (i *Instruction) clone() Instruction {
	cp := *i
	cp.Legs = append([]Leg(nil), i.Legs...)
	cp.Locks = append([]lock.Handle(nil), i.Locks...)
	cp.CancelVotes = append([]common.Address(nil), i.CancelVotes...)
	cp.Affirmations = i.Affirmations.clone()
	return cp
}

// holdsLocks reports whether any leg lock is outstanding.
func (i *Instruction) holdsLocks() bool {
	for _, h := range i.Locks {
		if h != 0 {
			return true
		}
	}
	return false
}

// retryable reports whether a Failed instruction may be executed again.
func (i *Instruction) retryable() bool {
	return i.Status == StatusFailed && i.Mode.Kind == venue.KindManual
}

// open reports whether the instruction still accepts resolution calls
// (reject, cancel).
func (i *Instruction) open() bool {
	return i.Status == StatusPending || i.retryable()
}
