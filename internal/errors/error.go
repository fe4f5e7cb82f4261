// Package errors defines the error-kind taxonomy shared by every collaborator
// in the download engine. Kinds are deliberately coarse — callers branch on
// Kind(), not on the specific sentinel — mirroring the flat, package-level
// sentinel style the rest of this codebase uses elsewhere.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/promotion decisions in the dispatch
// loop. It is a string, not an int, so log lines are self-describing.
type Kind string

const (
	KindMemory           Kind = "memory"
	KindQueueScheduling  Kind = "queue-scheduling"
	KindBridgeRequest    Kind = "bridge-request"
	KindBridgeInvalid    Kind = "bridge-invalid"
	KindBridgeAuth       Kind = "bridge-auth"
	KindBridgeNotFound   Kind = "bridge-not-found"
	KindBridgeInternal   Kind = "bridge-internal"
	KindBridgeJSON       Kind = "bridge-json"
	KindBridgeToken      Kind = "bridge-token"
	KindBridgePointer    Kind = "bridge-pointer"
	KindBridgeRepointer  Kind = "bridge-repointer"
	KindBridgeFileInfo   Kind = "bridge-fileinfo"
	KindFarmerAuth       Kind = "farmer-auth"
	KindFarmerTimeout    Kind = "farmer-timeout"
	KindFarmerRequest    Kind = "farmer-request"
	KindFarmerIntegrity  Kind = "farmer-integrity"
	KindFarmerExhausted  Kind = "farmer-exhausted"
	KindFileWrite        Kind = "file-write"
	KindFileDecryption   Kind = "file-decryption"
	KindTransferCanceled Kind = "transfer-canceled"
)

// Error wraps an underlying cause with a Kind, so dispatch logic can branch
// on Kind() without string-matching error messages.
type Error struct {
	kind Kind
	err  error
}

// New builds a kinded error from a message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, err: errors.New(msg)}
}

// Wrap attaches a kind to an existing error while preserving it for
// errors.Is/errors.As via Unwrap.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }
func (e *Error) Kind() Kind    { return e.kind }

// KindOf extracts the Kind of err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}

// IsTransient reports whether a bridge error kind should be retried (up to
// the per-request failure counters in the dispatch loop) rather than promoted fatal.
func IsTransient(kind Kind) bool {
	switch kind {
	case KindBridgeInternal, KindBridgeRequest:
		return true
	default:
		return false
	}
}

var (
	ErrTransferCanceled  = New(KindTransferCanceled, "transfer canceled")
	ErrFarmerExhausted   = New(KindFarmerExhausted, "farmer exhausted: replacement cap reached")
	ErrFileDecryption    = New(KindFileDecryption, "file decryption error: hmac mismatch")
	ErrMissingShardField = New(KindBridgeJSON, "pointer is missing a required field")
)

// ConfigNotSetError reports that a required configuration value was never
// set, used by config.LoadConfig to validate bridge credentials up front.
func ConfigNotSetError(name string) error {
	return fmt.Errorf("the %s configuration value must be set", name)
}
