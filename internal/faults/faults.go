// Package faults classifies engine errors into the failure kinds surfaced to
// callers: authorization, state, validation, compliance, cryptographic and
// amount-mismatch failures.
package faults

import "errors"

// Kind groups errors by the reason an operation was rejected.
type Kind string

const (
	KindInternal       Kind = "internal"
	KindAuthorization  Kind = "authorization"
	KindState          Kind = "state"
	KindValidation     Kind = "validation"
	KindCompliance     Kind = "compliance"
	KindCrypto         Kind = "crypto"
	KindAmountMismatch Kind = "amount_mismatch"
	KindNotFound       Kind = "not_found"
)

// Error is a sentinel error tagged with a Kind. Sentinels are compared by
// identity, so wrap them with fmt.Errorf("...: %w", ErrX) to add detail.
type Error struct {
	kind Kind
	msg  string
}

// New returns a sentinel error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind returns the failure kind.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when none is found.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
