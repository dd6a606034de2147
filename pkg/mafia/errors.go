package mafia

import (
	"errors"
	"strings"
)

// Kind classifies a contract failure.
type Kind int

// Failure kinds.
const (
	KindNone Kind = iota
	KindPermission
	KindState
	KindInvalidArgument
	KindProof
	KindInsufficientPayment
	KindSoldOut
	KindNotFound
)

var kindNames = map[Kind]string{
	KindPermission:          "permission denied",
	KindState:               "invalid state",
	KindInvalidArgument:     "invalid argument",
	KindProof:               "invalid proof",
	KindInsufficientPayment: "insufficient payment",
	KindSoldOut:             "sold out",
	KindNotFound:            "not found",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "none"
}

// reasonPrefix tags every revert reason raised by the contract.
const reasonPrefix = "Mafia: "

// Error is a contract failure. Every mutating operation either succeeds
// or returns an *Error and leaves state untouched.
type Error struct {
	Kind   Kind
	Reason string
}

func newError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Error renders the revert reason, e.g. "Mafia: invalid argument: free count is zero".
func (e *Error) Error() string {
	if e.Reason == "" {
		return reasonPrefix + e.Kind.String()
	}
	return reasonPrefix + e.Kind.String() + ": " + e.Reason
}

// Is matches any *Error of the same kind when target carries no reason,
// so errors.Is(err, ErrPermission) works for every permission failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason == "" {
		return t.Kind == e.Kind
	}
	return t.Kind == e.Kind && t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrPermission          = &Error{Kind: KindPermission}
	ErrState               = &Error{Kind: KindState}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrProof               = &Error{Kind: KindProof}
	ErrInsufficientPayment = &Error{Kind: KindInsufficientPayment}
	ErrSoldOut             = &Error{Kind: KindSoldOut}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// Deployment errors. These are node-side failures, not reverts.
var (
	ErrNotDeployed     = errors.New("no mafia contract at address")
	ErrAlreadyDeployed = errors.New("address already has code")
	ErrNotCreation     = errors.New("not a mafia creation payload")
)

// KindOf returns the failure kind carried by err, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// ParseReason turns a revert reason produced by Error.Error back into an
// *Error. It reports false for reasons the contract did not produce.
func ParseReason(reason string) (*Error, bool) {
	rest, ok := strings.CutPrefix(reason, reasonPrefix)
	if !ok {
		return nil, false
	}
	for kind, name := range kindNames {
		if rest == name {
			return &Error{Kind: kind}, true
		}
		if detail, ok := strings.CutPrefix(rest, name+": "); ok {
			return &Error{Kind: kind, Reason: detail}, true
		}
	}
	return nil, false
}
