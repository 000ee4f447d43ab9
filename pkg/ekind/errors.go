/*
Package ekind defines logkv's closed error taxonomy (spec §7).

Expected result codes (NotFound, KeyExists, KeyEmpty) and failures
(Deadlock, LockTimeout, LogCorruption, ...) are both represented as
*EngineError values carrying a Kind, so callers can branch with errors.Is
against the package-level sentinels or inspect Kind() directly.
*/
package ekind

import (
	"errors"
	"fmt"
)

// Kind enumerates the engine's error classes.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	KeyExists
	KeyEmpty
	Deadlock
	LockTimeout
	SecondaryCorrupt
	LogCorruption
	DatabaseNotFound
	InvalidConfig
	ReadOnlyViolation
	RunRecovery
	Interrupted
	IO
	ForeignKeyConstraint
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case KeyExists:
		return "KeyExists"
	case KeyEmpty:
		return "KeyEmpty"
	case Deadlock:
		return "Deadlock"
	case LockTimeout:
		return "LockTimeout"
	case SecondaryCorrupt:
		return "SecondaryCorrupt"
	case LogCorruption:
		return "LogCorruption"
	case DatabaseNotFound:
		return "DatabaseNotFound"
	case InvalidConfig:
		return "InvalidConfig"
	case ReadOnlyViolation:
		return "ReadOnlyViolation"
	case RunRecovery:
		return "RunRecovery"
	case Interrupted:
		return "Interrupted"
	case IO:
		return "IO"
	case ForeignKeyConstraint:
		return "ForeignKeyConstraint"
	default:
		return "Unknown"
	}
}

// Fatal reports whether an error of this kind invalidates the owning
// environment (structural errors per §7's propagation policy).
func (k Kind) Fatal() bool {
	switch k {
	case LogCorruption, RunRecovery, IO:
		return true
	default:
		return false
	}
}

// EngineError is the concrete error type returned by every engine operation
// that does not succeed outright.
type EngineError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, ekind.ErrNotFound) style comparisons against the
// sentinel values below, matching by Kind rather than identity.
func (e *EngineError) Is(target error) bool {
	var te *EngineError
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New constructs an *EngineError of the given kind.
func New(kind Kind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// Wrap constructs an *EngineError of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons; Message is informational only.
var (
	ErrNotFound             = New(NotFound, "key not found")
	ErrKeyExists            = New(KeyExists, "key already exists")
	ErrKeyEmpty             = New(KeyEmpty, "key or value is empty")
	ErrDeadlock             = New(Deadlock, "transaction selected as deadlock victim")
	ErrLockTimeout          = New(LockTimeout, "lock request timed out")
	ErrSecondaryCorrupt     = New(SecondaryCorrupt, "secondary index references missing primary record")
	ErrLogCorruption        = New(LogCorruption, "log record checksum or framing invalid")
	ErrDatabaseNotFound     = New(DatabaseNotFound, "database not found")
	ErrInvalidConfig        = New(InvalidConfig, "invalid configuration")
	ErrReadOnlyViolation    = New(ReadOnlyViolation, "write attempted on read-only handle")
	ErrRunRecovery          = New(RunRecovery, "environment is invalid, reopen required")
	ErrInterrupted          = New(Interrupted, "blocking wait was cancelled")
	ErrIO                   = New(IO, "I/O failure")
	ErrForeignKeyConstraint = New(ForeignKeyConstraint, "delete would violate a foreign key constraint")
)

// KindOf extracts the Kind of err, or Unknown if err is not an *EngineError.
func KindOf(err error) Kind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
