package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/uhyunpark/hypersettle/pkg/app/core/lock"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
)

// attempt is an execution in flight between prepareLocked and run.
type attempt struct {
	id        InstructionID
	transfers []Transfer
}

// prepareLocked opens an execution attempt on a ready instruction. A Failed
// instruction first re-acquires its locks; losing that race leaves it Failed.
// Local re-validation failures fail the instruction without reaching the
// oracle. On success the instruction is marked executing and the caller must
// hand the attempt to run.
func (e *Engine) prepareLocked(inst *Instruction) (*attempt, error) {
	if inst.Status == StatusFailed {
		if err := e.reacquireLocked(inst); err != nil {
			e.failLocked(inst, err)
			return nil, err
		}
	}
	if err := e.checkExecutionLocked(inst); err != nil {
		e.failLocked(inst, err)
		return nil, err
	}
	transfers, err := e.v.transfers(inst)
	if err != nil {
		e.failLocked(inst, err)
		return nil, err
	}
	e.executing[inst.ID] = true
	return &attempt{id: inst.ID, transfers: transfers}, nil
}

// run consults compliance without the engine lock, then re-validates and
// commits every leg or none. Must be called without e.mu.
func (e *Engine) run(ctx context.Context, a *attempt) error {
	cerr := e.v.checkCompliance(ctx, a.transfers)

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.executing, a.id)
	inst := e.instructions[a.id]
	if cerr != nil {
		e.logger.Infow("instruction_compliance_denied", "id", a.id, "error", cerr)
		e.failLocked(inst, cerr)
		return cerr
	}
	// Asset state and locks may have changed while the oracle ran.
	if err := e.checkExecutionLocked(inst); err != nil {
		e.failLocked(inst, err)
		return err
	}
	return e.commitLocked(inst)
}

func (e *Engine) checkExecutionLocked(inst *Instruction) error {
	for i, leg := range inst.Legs {
		if err := e.v.checkLocal(i, leg, inst.Venue); err != nil {
			return err
		}
	}
	if err := e.v.checkLocks(inst, e.locks); err != nil {
		e.logger.Errorw("settlement_invariant_violation", "id", inst.ID, "error", err)
		return err
	}
	return nil
}

func (e *Engine) commitLocked(inst *Instruction) error {
	if !inst.Status.canTransition(StatusExecuted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvariantViolation, inst.Status, StatusExecuted)
	}
	receivers := make([]portfolio.ID, len(inst.Legs))
	for i, leg := range inst.Legs {
		receivers[i] = leg.To
	}
	if err := e.locks.ConvertAll(inst.Locks, receivers); err != nil {
		cause := fmt.Errorf("%w: convert locks: %v", ErrInvariantViolation, err)
		e.logger.Errorw("settlement_invariant_violation", "id", inst.ID, "error", err)
		e.failLocked(inst, cause)
		return cause
	}

	old := inst.Status
	for i := range inst.Locks {
		inst.Locks[i] = 0
	}
	e.sched.cancel(inst.ID)
	inst.Status = StatusExecuted
	inst.FailureReason = ""
	inst.ClosedAt = e.height
	e.touchLocked(inst)
	for _, leg := range inst.Legs {
		e.statsBuf = append(e.statsBuf, statRecord{venue: inst.Venue, asset: leg.Asset, amount: leg.Amount})
	}
	e.emitLocked(inst, EventExecuted, old, inst.Creator, -1, "")
	e.logger.Infow("instruction_executed", "id", inst.ID, "venue", inst.Venue, "legs", len(inst.Legs), "block", e.height)
	return nil
}

// failLocked moves inst to Failed with cause and releases whatever locks it
// still holds.
func (e *Engine) failLocked(inst *Instruction, cause error) {
	old := inst.Status
	if !old.canTransition(StatusFailed) {
		e.logger.Errorw("settlement_invariant_violation", "id", inst.ID, "from", old.String(), "to", StatusFailed.String())
		return
	}
	if err := e.releaseLocksLocked(inst); err != nil {
		cause = fmt.Errorf("%v; %w", cause, err)
	}
	e.sched.cancel(inst.ID)
	inst.Status = StatusFailed
	inst.FailureReason = cause.Error()
	if !inst.retryable() {
		inst.ClosedAt = e.height
	}
	e.touchLocked(inst)

	leg := -1
	var le *LegError
	if errors.As(cause, &le) {
		leg = le.Leg
	}
	e.emitLocked(inst, EventFailed, old, inst.Creator, leg, inst.FailureReason)
	e.logger.Warnw("instruction_failed", "id", inst.ID, "from", old.String(), "leg", leg,
		"kind", KindOf(cause).String(), "reason", inst.FailureReason)
}

// reacquireLocked takes a fresh lock per leg for a manual retry. All or none.
func (e *Engine) reacquireLocked(inst *Instruction) error {
	handles := make([]lock.Handle, len(inst.Legs))
	for i, leg := range inst.Legs {
		h, err := e.locks.Acquire(leg.From, leg.Asset, leg.Amount, lock.Ref{Instruction: uint64(inst.ID), Leg: i})
		if err != nil {
			for _, taken := range handles[:i] {
				if rerr := e.locks.Release(taken); rerr != nil {
					e.logger.Errorw("lock_release_failed", "id", inst.ID, "handle", taken, "error", rerr)
				}
			}
			return legErr(i, err)
		}
		handles[i] = h
	}
	inst.Locks = handles
	return nil
}

// releaseLocksLocked returns every held lock to its sender. A release that
// fails means the lock was already consumed elsewhere; the remaining locks
// are still released and the violation is reported.
func (e *Engine) releaseLocksLocked(inst *Instruction) error {
	var errs []error
	for i, h := range inst.Locks {
		if h == 0 {
			continue
		}
		if err := e.locks.Release(h); err != nil {
			e.logger.Errorw("lock_release_failed", "id", inst.ID, "leg", i, "handle", h, "error", err)
			errs = append(errs, err)
		}
		inst.Locks[i] = 0
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvariantViolation, errors.Join(errs...))
	}
	return nil
}
