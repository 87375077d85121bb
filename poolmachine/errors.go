package poolmachine

import (
	"errors"
	"fmt"
)

// ErrorClass tells the caller whether and how a rejected operation can be retried.
type ErrorClass int

const (
	// Validation errors are malformed input, safe to retry after correction.
	Validation ErrorClass = iota + 1
	// Authorization errors need a different principal.
	Authorization
	// State errors mean the caller must re-read state before retrying.
	State
	// Capacity errors persist until the underlying condition changes.
	Capacity
)

func (c ErrorClass) String() string {
	switch c {
	case Validation:
		return "validation"
	case Authorization:
		return "authorization"
	case State:
		return "state"
	case Capacity:
		return "capacity"
	}
	return "unknown"
}

// Error is the typed reason every rejected operation returns. Two Errors match under errors.Is
// when their Reason is equal, so a detailed error still matches its sentinel.
type Error struct {
	Class  ErrorClass
	Reason string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// With returns a copy of the sentinel carrying a formatted detail.
func (e *Error) With(format string, args ...interface{}) error {
	return &Error{Class: e.Class, Reason: e.Reason, Detail: fmt.Sprintf(format, args...)}
}

// ClassOf reports the class of a typed error anywhere in err's chain.
func ClassOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return 0, false
}

var (
	ErrInsufficientFee       = &Error{Class: Validation, Reason: "InsufficientFee"}
	ErrInvalidMilestoneSplit = &Error{Class: Validation, Reason: "InvalidMilestoneSplit"}
	ErrUnknownTemplate       = &Error{Class: Validation, Reason: "UnknownTemplate"}
	ErrUnknownStrategy       = &Error{Class: Validation, Reason: "UnknownStrategy"}
	ErrInvalidConfig         = &Error{Class: Validation, Reason: "InvalidConfig"}
	ErrInvalidAmount         = &Error{Class: Validation, Reason: "InvalidAmount"}
	ErrUnknownPool           = &Error{Class: Validation, Reason: "UnknownPool"}
	ErrUnknownMilestone      = &Error{Class: Validation, Reason: "UnknownMilestone"}
	ErrNoEligibleStrategy    = &Error{Class: Validation, Reason: "NoEligibleStrategy"}

	ErrUnauthorized    = &Error{Class: Authorization, Reason: "Unauthorized"}
	ErrNotAContributor = &Error{Class: Authorization, Reason: "NotAContributor"}

	ErrInvalidPoolState      = &Error{Class: State, Reason: "InvalidPoolState"}
	ErrInvalidMilestoneState = &Error{Class: State, Reason: "InvalidMilestoneState"}
	ErrAlreadyVoted          = &Error{Class: State, Reason: "AlreadyVoted"}
	ErrReentrancyBlocked     = &Error{Class: State, Reason: "ReentrancyBlocked"}
	ErrPaused                = &Error{Class: State, Reason: "Paused"}
	ErrDuplicateTxRef        = &Error{Class: State, Reason: "DuplicateTxRef"}
	ErrVotingOpen            = &Error{Class: State, Reason: "VotingOpen"}
	ErrInsufficientEscrow    = &Error{Class: State, Reason: "InsufficientEscrow"}
	ErrTransferFailed        = &Error{Class: State, Reason: "TransferFailed"}
	ErrDuplicateCommand      = &Error{Class: State, Reason: "DuplicateCommand"}

	ErrCreatorLimitExceeded = &Error{Class: Capacity, Reason: "CreatorLimitExceeded"}
	ErrSlugTaken            = &Error{Class: Capacity, Reason: "SlugTaken"}
	ErrResubmissionLimit    = &Error{Class: Capacity, Reason: "ResubmissionLimit"}
)
