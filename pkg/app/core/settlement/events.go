package settlement

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
)

type EventType string

const (
	EventCreated              EventType = "instruction_created"
	EventAffirmed             EventType = "instruction_affirmed"
	EventAffirmationWithdrawn EventType = "affirmation_withdrawn"
	EventRejected             EventType = "instruction_rejected"
	EventCancelVoted          EventType = "cancel_voted"
	EventCancelled            EventType = "instruction_cancelled"
	EventExecuted             EventType = "instruction_executed"
	EventFailed               EventType = "instruction_failed"
	EventRescheduled          EventType = "instruction_rescheduled"
)

// Event is emitted for every accepted settlement call and status change.
type Event struct {
	Type        EventType      `json:"type"`
	Instruction InstructionID  `json:"instruction"`
	OldStatus   Status         `json:"oldStatus"`
	NewStatus   Status         `json:"newStatus"`
	Party       common.Address `json:"party,omitempty"`
	Leg         int            `json:"leg"` // -1 when no single leg applies
	Reason      string         `json:"reason,omitempty"`
	Block       uint64         `json:"block"`
}

// Broker receives events after the engine releases its lock, in emission order.
type Broker interface {
	Send(ev Event)
}

// StatsSink records settled volume. Errors are logged and never roll back
// an execution.
type StatsSink interface {
	RecordSettlement(venueID venue.ID, asset string, amount int64) error
}

type nopBroker struct{}

func (nopBroker) Send(Event) {}

type nopStats struct{}

func (nopStats) RecordSettlement(venue.ID, string, int64) error { return nil }

// BrokerFunc adapts a function to Broker.
type BrokerFunc func(Event)

func (f BrokerFunc) Send(ev Event) { f(ev) }

type statRecord struct {
	venue  venue.ID
	asset  string
	amount int64
}
