// Package orcherr defines the typed error kinds surfaced by the core
// (spec.md §7) and a small classification helper shared by the worker pool
// and CryptoClient.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds named in spec.md §7.
type Kind string

const (
	InvalidInput       Kind = "INVALID_INPUT"
	InvalidCredential  Kind = "INVALID_CREDENTIAL"
	DuplicateSubmission Kind = "DUPLICATE_SUBMISSION"
	Transport          Kind = "TRANSPORT_ERROR"
	Protocol           Kind = "PROTOCOL_ERROR"
	ChunkExhausted     Kind = "CHUNK_EXHAUSTED"
	PoolExhausted      Kind = "POOL_EXHAUSTED"
	Planner            Kind = "PLANNER_ERROR"
)

// InvalidCredentialMessage is the fixed user-facing string from spec.md §7.
const InvalidCredentialMessage = "The credential file you provided is incorrect. Please upload the correct file that was sent to you via email."

// Error is a classified error carrying one of the Kind values above.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a classified error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// InvalidCredentialError builds the fixed-message INVALID_CREDENTIAL error.
func InvalidCredentialError(cause error) *Error {
	return &Error{Kind: InvalidCredential, Message: InvalidCredentialMessage, Cause: cause}
}

// Is reports whether err is a classified *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// As unwraps err looking for a *Error, mirroring errors.As so callers can
// inspect Kind without a type switch at every call site.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
