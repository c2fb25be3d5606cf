package goentitle

import (
	"errors"
	"fmt"
)

var (
	// ErrSignatureInvalid is returned when a notification fails authentication
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrUnsupportedEventKind is returned for event types outside the allow-list
	ErrUnsupportedEventKind = errors.New("unsupported event kind")

	// ErrMissingAccountReference is returned when an event names no account
	ErrMissingAccountReference = errors.New("missing account reference")

	// ErrDuplicateEvent is returned when an event id was already processed
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrTransientStore is returned for store failures worth retrying
	ErrTransientStore = errors.New("transient store failure")

	// ErrPermanentData is returned for payloads that can never be applied
	ErrPermanentData = errors.New("permanent data error")

	// ErrEntitlementNotFound is returned when an account has no entitlement row
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidAmount is returned for negative ledger amounts
	ErrInvalidAmount = errors.New("invalid amount")
)

// SignatureError carries the reason a signature check failed.
type SignatureError struct {
	Reason string
	Err    error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrSignatureInvalid, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrSignatureInvalid, e.Reason)
}

func (e *SignatureError) Unwrap() error { return ErrSignatureInvalid }

// PermanentError wraps a cause that retrying cannot fix.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrPermanentData, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrPermanentData, e.Reason)
}

func (e *PermanentError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPermanentData, e.Err}
	}
	return []error{ErrPermanentData}
}

// Permanent wraps err as a permanent data error.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is a permanent data error.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentData)
}

// IsTransient reports whether err should be answered with a retry invitation.
// Anything that is not a known soft or permanent condition is transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrUnsupportedEventKind),
		errors.Is(err, ErrDuplicateEvent),
		errors.Is(err, ErrPermanentData):
		return false
	}
	return true
}
