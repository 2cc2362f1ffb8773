package settlement

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
)

// AffirmationState is one party's stance on an instruction.
type AffirmationState uint8

const (
	AffirmationPending AffirmationState = iota
	AffirmationAffirmed
	AffirmationRejected
)

func (s AffirmationState) String() string {
	switch s {
	case AffirmationPending:
		return "pending"
	case AffirmationAffirmed:
		return "affirmed"
	case AffirmationRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Affirmation records one required party.
type Affirmation struct {
	Party common.Address   `json:"party"`
	State AffirmationState `json:"state"`
	// Auto marks a receive-only party exempted at creation.
	Auto bool `json:"auto,omitempty"`
}

// Tracker holds the required parties of an instruction in enumeration order.
type Tracker struct {
	Parties []Affirmation `json:"parties"`
}

// PartyResolver maps portfolios to the identities that act for them.
type PartyResolver interface {
	Custodian(id portfolio.ID) (common.Address, error)
	AutoAffirmsReceipts(id portfolio.ID) bool
}

// NewTracker enumerates the required parties of legs: each leg's sender
// custodian then receiver custodian, first occurrence wins. A party is
// affirmed up front when every portfolio it takes part through only receives
// and has the auto-affirm flag set.
func NewTracker(legs []Leg, resolver PartyResolver) (Tracker, error) {
	type role struct {
		sends  bool
		exempt bool
	}
	var order []common.Address
	roles := make(map[common.Address]*role)

	note := func(p portfolio.ID, sending bool) error {
		party, err := resolver.Custodian(p)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownPortfolio, p)
		}
		r, seen := roles[party]
		if !seen {
			r = &role{exempt: true}
			roles[party] = r
			order = append(order, party)
		}
		if sending {
			r.sends = true
		}
		if !resolver.AutoAffirmsReceipts(p) {
			r.exempt = false
		}
		return nil
	}

	for i, leg := range legs {
		if err := note(leg.From, true); err != nil {
			return Tracker{}, legErr(i, err)
		}
		if err := note(leg.To, false); err != nil {
			return Tracker{}, legErr(i, err)
		}
	}

	t := Tracker{Parties: make([]Affirmation, len(order))}
	for i, party := range order {
		r := roles[party]
		auto := !r.sends && r.exempt
		t.Parties[i] = Affirmation{Party: party, Auto: auto}
		if auto {
			t.Parties[i].State = AffirmationAffirmed
		}
	}
	return t, nil
}

// Index returns the enumeration position of party, or -1.
func (t *Tracker) Index(party common.Address) int {
	for i, a := range t.Parties {
		if a.Party == party {
			return i
		}
	}
	return -1
}

func (t *Tracker) IsParty(party common.Address) bool { return t.Index(party) >= 0 }

// State returns party's affirmation state.
func (t *Tracker) State(party common.Address) (AffirmationState, bool) {
	i := t.Index(party)
	if i < 0 {
		return 0, false
	}
	return t.Parties[i].State, true
}

// Ready reports whether every required party has affirmed.
func (t *Tracker) Ready() bool {
	for _, a := range t.Parties {
		if a.State != AffirmationAffirmed {
			return false
		}
	}
	return true
}

// Outstanding returns parties that have not affirmed, in enumeration order.
func (t *Tracker) Outstanding() []common.Address {
	var out []common.Address
	for _, a := range t.Parties {
		if a.State != AffirmationAffirmed {
			out = append(out, a.Party)
		}
	}
	return out
}

func (t *Tracker) canAffirm(party common.Address) error {
	st, ok := t.State(party)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnauthorizedParty, party.Hex())
	}
	if st != AffirmationPending {
		return fmt.Errorf("%w: %s is %s", ErrUnexpectedAffirmationStatus, party.Hex(), st)
	}
	return nil
}

func (t *Tracker) affirm(party common.Address) error {
	if err := t.canAffirm(party); err != nil {
		return err
	}
	t.Parties[t.Index(party)].State = AffirmationAffirmed
	return nil
}

func (t *Tracker) withdraw(party common.Address) error {
	st, ok := t.State(party)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnauthorizedParty, party.Hex())
	}
	if st != AffirmationAffirmed {
		return fmt.Errorf("%w: %s is %s", ErrUnexpectedAffirmationStatus, party.Hex(), st)
	}
	i := t.Index(party)
	t.Parties[i].State = AffirmationPending
	t.Parties[i].Auto = false
	return nil
}

func (t *Tracker) reject(party common.Address) error {
	i := t.Index(party)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnauthorizedParty, party.Hex())
	}
	t.Parties[i].State = AffirmationRejected
	return nil
}

func (t Tracker) clone() Tracker {
	return Tracker{Parties: append([]Affirmation(nil), t.Parties...)}
}
