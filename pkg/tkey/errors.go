package tkey

import (
	"errors"
	"fmt"
)

// Kind is the stable discriminator of an Error.
type Kind string

const (
	KindMetadataUndefined     Kind = "metadata_undefined"
	KindNotEnoughShares       Kind = "not_enough_shares"
	KindPrivateKeyUnavailable Kind = "private_key_unavailable"
	KindLockAcquisitionFailed Kind = "lock_acquisition_failed"
	KindShareDeleted          Kind = "share_deleted"
	KindWrongCommitment       Kind = "wrong_commitment"
	KindNoMatchingCombination Kind = "no_matching_combination"
	KindDuplicateTag          Kind = "duplicate_tag"
	KindInvalidParameter      Kind = "invalid_parameter"
	KindShareNotFound         Kind = "share_not_found"
	KindCorruption            Kind = "corruption"
	KindInvalidState          Kind = "invalid_state"
	KindStorage               Kind = "storage"
	KindCrypto                Kind = "crypto"
)

// Sentinels, one per kind, for errors.Is.
var (
	ErrMetadataUndefined     = &Error{Kind: KindMetadataUndefined}
	ErrNotEnoughShares       = &Error{Kind: KindNotEnoughShares}
	ErrPrivateKeyUnavailable = &Error{Kind: KindPrivateKeyUnavailable}
	ErrLockAcquisitionFailed = &Error{Kind: KindLockAcquisitionFailed}
	ErrShareDeleted          = &Error{Kind: KindShareDeleted}
	ErrWrongCommitment       = &Error{Kind: KindWrongCommitment}
	ErrNoMatchingCombination = &Error{Kind: KindNoMatchingCombination}
	ErrDuplicateTag          = &Error{Kind: KindDuplicateTag}
	ErrInvalidParameter      = &Error{Kind: KindInvalidParameter}
	ErrShareNotFound         = &Error{Kind: KindShareNotFound}
	ErrCorruption            = &Error{Kind: KindCorruption}
	ErrInvalidState          = &Error{Kind: KindInvalidState}
	ErrStorage               = &Error{Kind: KindStorage}
	ErrCrypto                = &Error{Kind: KindCrypto}
)

// Error is returned by every operation of the key engine and its extensions.
// Op names the failing operation, Err is the underlying cause, possibly nil.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return fmt.Sprintf("tkey: %s", e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("tkey.%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("tkey: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("tkey.%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so that the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// E builds an Error. err may be nil.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds an Error with a formatted cause.
func Ef(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
