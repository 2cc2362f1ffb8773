package venue

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ID identifies a venue. Zero means "no venue" (a direct bilateral instruction).
type ID uint64

// Type describes what a venue is used for. Informational only.
type Type uint8

const (
	TypeOther Type = iota
	TypeDistribution
	TypeSto
	TypeExchange
)

func (t Type) String() string {
	switch t {
	case TypeOther:
		return "other"
	case TypeDistribution:
		return "distribution"
	case TypeSto:
		return "sto"
	case TypeExchange:
		return "exchange"
	default:
		return "unknown"
	}
}

// ParseType parses the lowercase name of a venue type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "other":
		return TypeOther, nil
	case "distribution":
		return TypeDistribution, nil
	case "sto":
		return TypeSto, nil
	case "exchange":
		return TypeExchange, nil
	default:
		return 0, fmt.Errorf("unknown venue type %q", s)
	}
}

// InstructionKind is the settlement mode family an instruction uses. Venues
// restrict which kinds they originate.
type InstructionKind uint8

const (
	KindImmediate InstructionKind = iota + 1
	KindAtBlock
	KindManual
)

func (k InstructionKind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindAtBlock:
		return "at_block"
	case KindManual:
		return "manual"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (InstructionKind, error) {
	switch strings.ToLower(s) {
	case "immediate":
		return KindImmediate, nil
	case "at_block", "atblock", "scheduled":
		return KindAtBlock, nil
	case "manual":
		return KindManual, nil
	default:
		return 0, fmt.Errorf("unknown instruction kind %q", s)
	}
}

// Venue is a registered origination point for instructions.
type Venue struct {
	ID           ID                `json:"id"`
	Owner        common.Address    `json:"owner"`
	Details      string            `json:"details"`
	Type         Type              `json:"type"`
	AllowedKinds []InstructionKind `json:"allowedKinds"`
	Signers      []common.Address  `json:"signers"`
	Active       bool              `json:"active"`
}

// Allows reports whether the venue originates instructions of kind.
func (v *Venue) Allows(kind InstructionKind) bool {
	for _, k := range v.AllowedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// CanOriginate reports whether caller may create instructions on the venue.
func (v *Venue) CanOriginate(caller common.Address) bool {
	if caller == v.Owner {
		return true
	}
	return v.hasSigner(caller)
}

func (v *Venue) hasSigner(s common.Address) bool {
	for _, x := range v.Signers {
		if x == s {
			return true
		}
	}
	return false
}

func (v *Venue) clone() Venue {
	cp := *v
	cp.AllowedKinds = append([]InstructionKind(nil), v.AllowedKinds...)
	cp.Signers = append([]common.Address(nil), v.Signers...)
	return cp
}
