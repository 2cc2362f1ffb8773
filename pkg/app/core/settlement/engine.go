package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/app/core/lock"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
)

// MaxMemoLength bounds the instruction memo in bytes.
const MaxMemoLength = 32

// CancelledReason is recorded on instructions ended by cancel_instruction.
const CancelledReason = "cancelled"

// Config is the engine policy.
type Config struct {
	MaxLegs              int
	RescheduleUnaffirmed bool
	RescheduleDelay      uint64
	MaxReschedules       int
}

func DefaultConfig() Config {
	return Config{
		MaxLegs:         10,
		RescheduleDelay: 10,
		MaxReschedules:  3,
	}
}

// Deps are the engine's collaborators. Custody, Assets and Venues are
// required; the rest default to no-ops (Oracle approves everything).
type Deps struct {
	Custody Custody
	Assets  AssetRules
	Venues  Venues
	Oracle  ComplianceOracle
	Locks   *lock.Manager
	Agenda  Agenda
	Broker  Broker
	Stats   StatsSink
	Logger  *zap.SugaredLogger
}

// CreateRequest describes a new instruction.
type CreateRequest struct {
	Creator   common.Address
	Venue     venue.ID // 0 for a direct bilateral instruction
	Mode      Mode
	Legs      []Leg
	Memo      string
	TradeDate int64
	ValueDate int64

	// Affirm records the creator's own affirmation in the same call. The
	// creator must then be a party.
	Affirm bool
}

// Engine owns every instruction and drives it from creation to a terminal
// status. Calls are safe for concurrent use; an execution attempt releases
// the engine lock while the compliance oracle runs, and any mutating call on
// that instruction meanwhile fails with ErrExecutionInProgress.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	v       validator
	custody Custody
	venues  Venues
	locks   *lock.Manager
	sched   scheduler
	logger  *zap.SugaredLogger

	height       uint64
	nextID       InstructionID
	instructions map[InstructionID]*Instruction
	executing    map[InstructionID]bool
	byParty      map[common.Address]map[InstructionID]struct{}
	dirty        map[InstructionID]struct{}

	// outbox is drained by flush after e.mu is released; sendMu keeps
	// delivery in emission order across goroutines.
	sendMu   sync.Mutex
	broker   Broker
	stats    StatsSink
	outbox   []Event
	statsBuf []statRecord
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Custody == nil || deps.Assets == nil || deps.Venues == nil {
		return nil, errors.New("settlement: custody, assets and venues are required")
	}
	if deps.Oracle == nil {
		deps.Oracle = ApproveAll{}
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewManager(deps.Custody)
	}
	if deps.Agenda == nil {
		deps.Agenda = nopAgenda{}
	}
	if deps.Broker == nil {
		deps.Broker = nopBroker{}
	}
	if deps.Stats == nil {
		deps.Stats = nopStats{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	return &Engine{
		cfg: cfg,
		v: validator{
			custody: deps.Custody,
			assets:  deps.Assets,
			oracle:  deps.Oracle,
			maxLegs: cfg.MaxLegs,
		},
		custody:      deps.Custody,
		venues:       deps.Venues,
		locks:        deps.Locks,
		sched:        scheduler{agenda: deps.Agenda},
		logger:       deps.Logger,
		broker:       deps.Broker,
		stats:        deps.Stats,
		nextID:       1,
		instructions: make(map[InstructionID]*Instruction),
		executing:    make(map[InstructionID]bool),
		byParty:      make(map[common.Address]map[InstructionID]struct{}),
		dirty:        make(map[InstructionID]struct{}),
	}, nil
}

// Locks exposes the lock manager for balance queries.
func (e *Engine) Locks() *lock.Manager { return e.locks }

// BeginBlock advances the engine's notion of the current block.
func (e *Engine) BeginBlock(height uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.height = height
}

func (e *Engine) Height() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.height
}

// CreateInstruction validates every leg, consults compliance, then locks each
// leg's sender balance in leg order. Nothing is created when any step fails.
// An Immediate instruction that is ready at creation, because its parties are
// auto-affirmed or req.Affirm covers the rest, executes before this returns;
// the outcome is recorded on the instruction.
func (e *Engine) CreateInstruction(ctx context.Context, req CreateRequest) (InstructionID, error) {
	defer e.flush()

	transfers, err := e.precheckCreate(req)
	if err != nil {
		return 0, err
	}
	if err := e.v.checkCompliance(ctx, transfers); err != nil {
		e.logger.Infow("instruction_compliance_denied", "creator", req.Creator.Hex(), "error", err)
		return 0, err
	}

	id, a, err := e.commitCreate(req)
	if err != nil {
		return 0, err
	}
	if a != nil {
		_ = e.run(ctx, a)
	}
	return id, nil
}

func (e *Engine) precheckCreate(req CreateRequest) ([]Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch req.Mode.Kind {
	case venue.KindImmediate, venue.KindManual:
	case venue.KindAtBlock:
		if req.Mode.Block <= e.height {
			return nil, fmt.Errorf("%w: block %d, current %d", ErrBlockInPast, req.Mode.Block, e.height)
		}
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidMode, req.Mode.Kind)
	}
	if len(req.Memo) > MaxMemoLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMemoTooLong, len(req.Memo))
	}
	if req.TradeDate != 0 && req.ValueDate != 0 && req.ValueDate < req.TradeDate {
		return nil, ErrInvalidDates
	}
	if req.Venue != 0 {
		if err := e.venues.Authorize(req.Venue, req.Creator, req.Mode.Kind); err != nil {
			return nil, err
		}
	}
	if err := e.v.checkCreation(req.Legs, req.Venue); err != nil {
		return nil, err
	}
	tracker, err := NewTracker(req.Legs, e.custody)
	if err != nil {
		return nil, err
	}
	if req.Venue == 0 && !tracker.IsParty(req.Creator) {
		return nil, fmt.Errorf("%w: %s is not a party to a direct instruction", ErrUnauthorizedParty, req.Creator.Hex())
	}
	if req.Affirm && !tracker.IsParty(req.Creator) {
		return nil, fmt.Errorf("%w: %s cannot affirm an instruction it is not party to", ErrUnauthorizedParty, req.Creator.Hex())
	}

	draft := Instruction{Venue: req.Venue, Legs: req.Legs}
	return e.v.transfers(&draft)
}

func (e *Engine) commitCreate(req CreateRequest) (InstructionID, *attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Balances may have moved while compliance ran.
	if err := e.v.checkCreation(req.Legs, req.Venue); err != nil {
		return 0, nil, err
	}
	tracker, err := NewTracker(req.Legs, e.custody)
	if err != nil {
		return 0, nil, err
	}
	affirmed := false
	if st, _ := tracker.State(req.Creator); req.Affirm && st == AffirmationPending {
		if err := tracker.affirm(req.Creator); err != nil {
			return 0, nil, err
		}
		affirmed = true
	}

	id := e.nextID
	handles := make([]lock.Handle, len(req.Legs))
	for i, leg := range req.Legs {
		h, err := e.locks.Acquire(leg.From, leg.Asset, leg.Amount, lock.Ref{Instruction: uint64(id), Leg: i})
		if err != nil {
			for _, taken := range handles[:i] {
				if rerr := e.locks.Release(taken); rerr != nil {
					e.logger.Errorw("lock_release_failed", "handle", taken, "error", rerr)
				}
			}
			return 0, nil, legErr(i, err)
		}
		handles[i] = h
	}
	e.nextID++

	inst := &Instruction{
		ID:           id,
		Venue:        req.Venue,
		Creator:      req.Creator,
		Mode:         req.Mode,
		Legs:         append([]Leg(nil), req.Legs...),
		Status:       StatusPending,
		Memo:         req.Memo,
		TradeDate:    req.TradeDate,
		ValueDate:    req.ValueDate,
		CreatedAt:    e.height,
		Affirmations: tracker,
		Locks:        handles,
	}
	if inst.Mode.Kind == venue.KindAtBlock {
		inst.ScheduledAt = inst.Mode.Block
		if err := e.sched.schedule(id, inst.ScheduledAt, e.height); err != nil {
			e.releaseLocksLocked(inst)
			return 0, nil, err
		}
	}
	e.instructions[id] = inst
	e.touchLocked(inst)
	e.emitLocked(inst, EventCreated, StatusUnknown, common.Address{}, -1, "")
	e.logger.Infow("instruction_created",
		"id", id, "venue", inst.Venue, "mode", inst.Mode.String(), "legs", len(inst.Legs),
		"parties", len(tracker.Parties), "creator", req.Creator.Hex())
	if affirmed {
		e.emitLocked(inst, EventAffirmed, inst.Status, req.Creator, -1, "")
		e.logger.Infow("instruction_affirmed", "id", id, "party", req.Creator.Hex())
	}

	if inst.Mode.Kind == venue.KindImmediate && tracker.Ready() {
		a, _ := e.prepareLocked(inst)
		return id, a, nil
	}
	return id, nil, nil
}

// Affirm records consent for each party. Parties are applied in the order
// they were enumerated at creation, regardless of argument order, and the
// call fails without effect if any party cannot affirm. When an Immediate
// instruction becomes ready it executes before Affirm returns; a failed
// execution is recorded on the instruction, not returned.
func (e *Engine) Affirm(ctx context.Context, id InstructionID, parties ...common.Address) error {
	defer e.flush()

	a, err := e.beginAffirm(id, parties)
	if err != nil || a == nil {
		return err
	}
	_ = e.run(ctx, a)
	return nil
}

func (e *Engine) beginAffirm(id InstructionID, parties []common.Address) (*attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.mutableLocked(id)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusPending {
		return nil, fmt.Errorf("%w: instruction %d is %s", ErrAlreadyTerminal, id, inst.Status)
	}
	if inst.Mode.Kind == venue.KindAtBlock && e.height >= inst.ScheduledAt {
		return nil, fmt.Errorf("%w: instruction %d at block %d", ErrSettleBlockPassed, id, inst.ScheduledAt)
	}
	if len(parties) == 0 {
		return nil, fmt.Errorf("%w: no parties given", ErrUnauthorizedParty)
	}

	ordered := append([]common.Address(nil), parties...)
	for _, p := range ordered {
		if !inst.Affirmations.IsParty(p) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorizedParty, p.Hex())
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return inst.Affirmations.Index(ordered[i]) < inst.Affirmations.Index(ordered[j])
	})
	next := inst.Affirmations.clone()
	for _, p := range ordered {
		if err := next.affirm(p); err != nil {
			return nil, err
		}
	}

	inst.Affirmations = next
	e.touchLocked(inst)
	for _, p := range ordered {
		e.emitLocked(inst, EventAffirmed, inst.Status, p, -1, "")
		e.logger.Infow("instruction_affirmed", "id", id, "party", p.Hex())
	}

	if inst.Mode.Kind == venue.KindImmediate && inst.Affirmations.Ready() {
		return e.prepareLocked(inst)
	}
	return nil, nil
}

// WithdrawAffirmation reverts party to Pending. Only while Pending.
func (e *Engine) WithdrawAffirmation(_ context.Context, id InstructionID, party common.Address) error {
	defer e.flush()
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.mutableLocked(id)
	if err != nil {
		return err
	}
	if inst.Status != StatusPending {
		return fmt.Errorf("%w: instruction %d is %s", ErrAlreadyTerminal, id, inst.Status)
	}
	if err := inst.Affirmations.withdraw(party); err != nil {
		return err
	}
	e.touchLocked(inst)
	e.emitLocked(inst, EventAffirmationWithdrawn, inst.Status, party, -1, "")
	e.logger.Infow("affirmation_withdrawn", "id", id, "party", party.Hex())
	return nil
}

// Reject ends the instruction as Rejected and releases every lock.
func (e *Engine) Reject(_ context.Context, id InstructionID, party common.Address) error {
	defer e.flush()
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.mutableLocked(id)
	if err != nil {
		return err
	}
	if !inst.open() {
		return fmt.Errorf("%w: instruction %d is %s", ErrAlreadyTerminal, id, inst.Status)
	}
	if !inst.Affirmations.IsParty(party) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedParty, party.Hex())
	}
	if err := inst.Affirmations.reject(party); err != nil {
		return err
	}
	return e.closeLocked(inst, EventRejected, party, "rejected by "+party.Hex())
}

// CancelInstruction cancels immediately when caller owns the instruction's
// venue. Otherwise caller must be a required party and casts a cancel vote;
// the instruction is cancelled once every party has voted.
func (e *Engine) CancelInstruction(_ context.Context, caller common.Address, id InstructionID) error {
	defer e.flush()
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.mutableLocked(id)
	if err != nil {
		return err
	}
	if !inst.open() {
		return fmt.Errorf("%w: instruction %d is %s", ErrAlreadyTerminal, id, inst.Status)
	}
	if e.isVenueOwner(inst, caller) {
		return e.closeLocked(inst, EventCancelled, caller, CancelledReason)
	}
	if !inst.Affirmations.IsParty(caller) {
		return fmt.Errorf("%w: %s", ErrCallerNotParty, caller.Hex())
	}
	if !containsAddr(inst.CancelVotes, caller) {
		inst.CancelVotes = append(inst.CancelVotes, caller)
		e.touchLocked(inst)
		e.emitLocked(inst, EventCancelVoted, inst.Status, caller, -1, "")
		e.logger.Infow("cancel_voted", "id", id, "party", caller.Hex(),
			"votes", len(inst.CancelVotes), "required", len(inst.Affirmations.Parties))
	}
	if len(inst.CancelVotes) == len(inst.Affirmations.Parties) {
		return e.closeLocked(inst, EventCancelled, caller, CancelledReason)
	}
	return nil
}

// ExecuteManual runs a SettleManual instruction. caller must be a party or
// the venue owner. A Failed instruction is retried after re-acquiring its
// locks. The returned error is the failure cause when the attempt fails.
func (e *Engine) ExecuteManual(ctx context.Context, caller common.Address, id InstructionID) error {
	defer e.flush()

	a, err := e.beginManual(caller, id)
	if err != nil {
		return err
	}
	return e.run(ctx, a)
}

func (e *Engine) beginManual(caller common.Address, id InstructionID) (*attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.mutableLocked(id)
	if err != nil {
		return nil, err
	}
	if inst.Mode.Kind != venue.KindManual {
		return nil, fmt.Errorf("%w: instruction %d is %s", ErrNotManual, id, inst.Mode)
	}
	if !inst.open() {
		return nil, fmt.Errorf("%w: instruction %d is %s", ErrAlreadyTerminal, id, inst.Status)
	}
	if !inst.Affirmations.IsParty(caller) && !e.isVenueOwner(inst, caller) {
		return nil, fmt.Errorf("%w: %s", ErrCallerNotParty, caller.Hex())
	}
	if e.height < inst.Mode.Block {
		return nil, fmt.Errorf("%w: earliest %d, current %d", ErrSettleBlockNotReached, inst.Mode.Block, e.height)
	}
	if !inst.Affirmations.Ready() {
		return nil, fmt.Errorf("%w: awaiting %d parties", ErrNotReady, len(inst.Affirmations.Outstanding()))
	}
	return e.prepareLocked(inst)
}

// OnScheduledBlock is the scheduler callback for an AtBlock instruction.
// Deliveries for instructions that are no longer Pending, are executing, or
// arrive before the scheduled block are ignored. Returns the failure cause
// when the instruction fails.
func (e *Engine) OnScheduledBlock(ctx context.Context, id InstructionID) error {
	defer e.flush()

	a, err := e.beginScheduled(id)
	if err != nil || a == nil {
		return err
	}
	return e.run(ctx, a)
}

func (e *Engine) beginScheduled(id InstructionID) (*attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instructions[id]
	if !ok || inst.Status != StatusPending || e.executing[id] || inst.Mode.Kind != venue.KindAtBlock {
		return nil, nil
	}
	if e.height < inst.ScheduledAt {
		e.sched.agenda.Register(inst.ScheduledAt, uint64(id))
		return nil, nil
	}
	if inst.Affirmations.Ready() {
		return e.prepareLocked(inst)
	}

	if e.cfg.RescheduleUnaffirmed && inst.Reschedules < e.cfg.MaxReschedules {
		inst.Reschedules++
		inst.ScheduledAt = e.height + max(e.cfg.RescheduleDelay, 1)
		e.sched.agenda.Register(inst.ScheduledAt, uint64(id))
		e.touchLocked(inst)
		e.emitLocked(inst, EventRescheduled, inst.Status, common.Address{}, -1, "")
		e.logger.Infow("instruction_rescheduled", "id", id, "block", inst.ScheduledAt, "count", inst.Reschedules)
		return nil, nil
	}

	cause := fmt.Errorf("%w: awaiting %d parties at block %d",
		ErrNotAffirmedBeforeDeadline, len(inst.Affirmations.Outstanding()), e.height)
	e.failLocked(inst, cause)
	return nil, cause
}

// Instruction returns a copy of instruction id.
func (e *Engine) Instruction(id InstructionID) (Instruction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instructions[id]
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %d", ErrInstructionNotFound, id)
	}
	return inst.clone(), nil
}

// List returns every instruction ordered by id.
func (e *Engine) List() []Instruction {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Instruction, 0, len(e.instructions))
	for _, inst := range e.instructions {
		out = append(out, inst.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingFor returns the Pending instructions still waiting on party's
// affirmation, ordered by id.
func (e *Engine) PendingFor(party common.Address) []InstructionID {
	e.mu.Lock()
	defer e.mu.Unlock()

	set := e.byParty[party]
	out := make([]InstructionID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TakeDirty returns instructions changed since the previous call, ordered by id.
func (e *Engine) TakeDirty() []Instruction {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Instruction, 0, len(e.dirty))
	for id := range e.dirty {
		out = append(out, e.instructions[id].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	e.dirty = make(map[InstructionID]struct{})
	return out
}

// Restore loads persisted instructions at startup. Locks of instructions
// that hold them are re-registered with the lock manager, which resumes
// issuing handles at nextLock, and AtBlock instructions are re-scheduled.
func (e *Engine) Restore(height uint64, nextLock lock.Handle, instructions []Instruction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.height = height
	var locks []lock.Lock
	for i := range instructions {
		cp := instructions[i].clone()
		inst := &cp
		e.instructions[inst.ID] = inst
		if inst.ID >= e.nextID {
			e.nextID = inst.ID + 1
		}
		for leg, h := range inst.Locks {
			if h == 0 {
				continue
			}
			l := inst.Legs[leg]
			locks = append(locks, lock.Lock{
				Handle:    h,
				Portfolio: l.From,
				Asset:     l.Asset,
				Amount:    l.Amount,
				Ref:       lock.Ref{Instruction: uint64(inst.ID), Leg: leg},
			})
		}
		if inst.Status == StatusPending && inst.Mode.Kind == venue.KindAtBlock {
			e.sched.agenda.Register(inst.ScheduledAt, uint64(inst.ID))
		}
		e.reindexLocked(inst)
	}
	e.locks.Restore(nextLock, locks)
	e.logger.Infow("settlement_restored", "instructions", len(instructions), "locks", len(locks), "height", height)
}

// mutableLocked returns the instruction for a state-changing call.
func (e *Engine) mutableLocked(id InstructionID) (*Instruction, error) {
	inst, ok := e.instructions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInstructionNotFound, id)
	}
	if e.executing[id] {
		return nil, fmt.Errorf("%w: instruction %d", ErrExecutionInProgress, id)
	}
	return inst, nil
}

func (e *Engine) isVenueOwner(inst *Instruction, caller common.Address) bool {
	if inst.Venue == 0 {
		return false
	}
	v, err := e.venues.Get(inst.Venue)
	return err == nil && v.Owner == caller
}

// closeLocked moves an open instruction to Rejected and releases its locks.
func (e *Engine) closeLocked(inst *Instruction, typ EventType, party common.Address, reason string) error {
	old := inst.Status
	if !old.canTransition(StatusRejected) {
		return fmt.Errorf("%w: %s -> %s", ErrInvariantViolation, old, StatusRejected)
	}
	relErr := e.releaseLocksLocked(inst)
	e.sched.cancel(inst.ID)
	inst.Status = StatusRejected
	inst.FailureReason = reason
	inst.ClosedAt = e.height
	e.touchLocked(inst)
	e.emitLocked(inst, typ, old, party, -1, reason)
	e.logger.Infow(string(typ), "id", inst.ID, "party", party.Hex(), "from", old.String())
	return relErr
}

// touchLocked marks inst for persistence and refreshes the party index.
func (e *Engine) touchLocked(inst *Instruction) {
	e.dirty[inst.ID] = struct{}{}
	e.reindexLocked(inst)
}

func (e *Engine) reindexLocked(inst *Instruction) {
	for _, a := range inst.Affirmations.Parties {
		waiting := inst.Status == StatusPending && a.State == AffirmationPending
		set := e.byParty[a.Party]
		if waiting {
			if set == nil {
				set = make(map[InstructionID]struct{})
				e.byParty[a.Party] = set
			}
			set[inst.ID] = struct{}{}
		} else if set != nil {
			delete(set, inst.ID)
			if len(set) == 0 {
				delete(e.byParty, a.Party)
			}
		}
	}
}

func (e *Engine) emitLocked(inst *Instruction, typ EventType, old Status, party common.Address, leg int, reason string) {
	e.outbox = append(e.outbox, Event{
		Type:        typ,
		Instruction: inst.ID,
		OldStatus:   old,
		NewStatus:   inst.Status,
		Party:       party,
		Leg:         leg,
		Reason:      reason,
		Block:       e.height,
	})
}

// flush delivers queued events and statistics. Must be called without e.mu.
func (e *Engine) flush() {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	events, records := e.outbox, e.statsBuf
	e.outbox, e.statsBuf = nil, nil
	e.mu.Unlock()

	for _, r := range records {
		if err := e.stats.RecordSettlement(r.venue, r.asset, r.amount); err != nil {
			e.logger.Warnw("stats_record_failed", "venue", r.venue, "asset", r.asset, "amount", r.amount, "error", err)
		}
	}
	for _, ev := range events {
		e.broker.Send(ev)
	}
}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
