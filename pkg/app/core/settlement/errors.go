package settlement

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/hypersettle/pkg/app/core/lock"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
)

var (
	ErrUnauthorizedParty         = errors.New("unauthorized party")
	ErrAlreadyTerminal           = errors.New("instruction is not pending")
	ErrInsufficientFreeBalance   = lock.ErrInsufficientFreeBalance
	ErrLockAlreadyReleased       = lock.ErrAlreadyReleased
	ErrComplianceDenied          = errors.New("compliance denied")
	ErrNotReady                  = errors.New("instruction is not fully affirmed")
	ErrNotAffirmedBeforeDeadline = errors.New("instruction not affirmed before its settlement block")
	ErrBlockInPast               = errors.New("settlement block is not in the future")
	ErrDuplicateVenue            = errors.New("duplicate venue registration")
	ErrExecutionInProgress       = errors.New("execution in progress")

	ErrInstructionNotFound         = errors.New("instruction not found")
	ErrNoLegs                      = errors.New("instruction has no legs")
	ErrTooManyLegs                 = errors.New("instruction has too many legs")
	ErrSameSenderReceiver          = errors.New("sender and receiver portfolio are the same")
	ErrZeroAmount                  = errors.New("leg amount must be positive")
	ErrUnknownPortfolio            = errors.New("unknown portfolio")
	ErrUnknownAsset                = errors.New("unknown asset")
	ErrAssetFrozen                 = errors.New("asset is frozen")
	ErrUnauthorizedVenue           = errors.New("venue not allowed for asset")
	ErrInvalidDates                = errors.New("value date precedes trade date")
	ErrMemoTooLong                 = errors.New("memo too long")
	ErrInvalidMode                 = errors.New("invalid settlement mode")
	ErrNotManual                   = errors.New("instruction is not manually settled")
	ErrSettleBlockPassed           = errors.New("settlement block has passed")
	ErrSettleBlockNotReached       = errors.New("settlement block not reached")
	ErrUnexpectedAffirmationStatus = errors.New("unexpected affirmation status")
	ErrCallerNotParty              = errors.New("caller is not a party or the venue owner")
	ErrInvariantViolation          = errors.New("settlement invariant violated")
)

// LegError attributes a failure to one leg of an instruction.
type LegError struct {
	Leg int
	Err error
}

func (e *LegError) Error() string { return fmt.Sprintf("leg %d: %v", e.Leg, e.Err) }
func (e *LegError) Unwrap() error { return e.Err }

// ComplianceError carries the oracle's opaque denial reason.
type ComplianceError struct {
	Reason string
}

func (e *ComplianceError) Error() string { return fmt.Sprintf("compliance denied: %s", e.Reason) }

func (e *ComplianceError) Is(target error) bool { return target == ErrComplianceDenied }

// ErrorKind groups failures the way callers react to them.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindValidation
	KindAuthorization
	KindCompliance
	KindContention
	KindState
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindCompliance:
		return "compliance"
	case KindContention:
		return "contention"
	case KindState:
		return "state"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Unrecognised errors are reported as validation failures.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvariantViolation), errors.Is(err, ErrLockAlreadyReleased):
		return KindInvariant
	case errors.Is(err, ErrComplianceDenied):
		return KindCompliance
	case errors.Is(err, ErrInsufficientFreeBalance), errors.Is(err, ErrExecutionInProgress):
		return KindContention
	case errors.Is(err, ErrUnauthorizedParty), errors.Is(err, ErrCallerNotParty), errors.Is(err, ErrUnauthorizedVenue),
		errors.Is(err, venue.ErrUnauthorized), errors.Is(err, venue.ErrNotOwner):
		return KindAuthorization
	case errors.Is(err, ErrAlreadyTerminal), errors.Is(err, ErrNotReady),
		errors.Is(err, ErrNotAffirmedBeforeDeadline), errors.Is(err, ErrSettleBlockPassed),
		errors.Is(err, ErrSettleBlockNotReached), errors.Is(err, ErrUnexpectedAffirmationStatus),
		errors.Is(err, ErrInstructionNotFound), errors.Is(err, ErrNotManual):
		return KindState
	default:
		return KindValidation
	}
}

func legErr(leg int, err error) error { return &LegError{Leg: leg, Err: err} }
