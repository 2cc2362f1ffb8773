package settlement

import "fmt"

// Agenda is the block-scheduling primitive. Registered callbacks are
// delivered at least once at or after their block.
type Agenda interface {
	Register(block uint64, id uint64)
	Cancel(id uint64)
}

// scheduler is the request side of the scheduler boundary. Callbacks arrive
// through Engine.OnScheduledBlock.
type scheduler struct {
	agenda Agenda
}

func (s scheduler) schedule(id InstructionID, block, current uint64) error {
	if block <= current {
		return fmt.Errorf("%w: block %d, current %d", ErrBlockInPast, block, current)
	}
	s.agenda.Register(block, uint64(id))
	return nil
}

// cancel is a no-op when the callback already fired.
func (s scheduler) cancel(id InstructionID) {
	s.agenda.Cancel(uint64(id))
}

type nopAgenda struct{}

func (nopAgenda) Register(uint64, uint64) {}
func (nopAgenda) Cancel(uint64)           {}
