package chantal

import (
	"errors"
	"strings"
)

// Error is the chantal error domain type.
//
// Errors coming from chantal components should be able to be inspected as
// ([errors.As]) an *Error at some point in the error chain.
//
// Implementers of chantal components should create an Error at the system
// boundary (e.g. when using a database client, talking to an upstream, or
// touching the pool) and intermediate layers should not wrap in another Error
// except to add additional [ErrorKind] information. That is to say, use
// [fmt.Errorf] with a "%w" verb in preference to creating a containing Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

// Assert this implements all the cool features.
var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	switch e.Kind {
	case ErrAuth,
		ErrCancelled,
		ErrChecksumMismatch,
		ErrConfig,
		ErrConflict,
		ErrCrossDevice,
		ErrInternal,
		ErrLockTimeout,
		ErrNetwork,
		ErrNotFound,
		ErrPermanent,
		ErrPoolCorruption,
		ErrPublishConflict,
		ErrStaleIndex,
		ErrTransient:
		b.WriteString(string(e.Kind))
	default:
		b.WriteString("???")
	}
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] over a specific error.
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of errors to be checked against.
//
// If an error is unsure which kind to use, ErrInternal should be used.
type ErrorKind string

// Defined error kinds.
var (
	ErrAuth             = ErrorKind("auth")              // 401/403 or client-cert handshake failure, not retried
	ErrCancelled        = ErrorKind("cancelled")         // context cancellation observed at a checkpoint
	ErrChecksumMismatch = ErrorKind("checksum mismatch") // downloaded bytes disagree with the expected digest
	ErrConfig           = ErrorKind("config")            // invalid or missing configuration
	ErrConflict         = ErrorKind("conflict")          // conflicting action, e.g. snapshot name reuse
	ErrCrossDevice      = ErrorKind("cross device")      // hard link would cross filesystems
	ErrInternal         = ErrorKind("internal")          // non-specific internal error
	ErrLockTimeout      = ErrorKind("lock timeout")      // advisory lock contended
	ErrNetwork          = ErrorKind("network")           // transient upstream I/O
	ErrNotFound         = ErrorKind("not found")         // 404/410 or missing row
	ErrPoolCorruption   = ErrorKind("pool corruption")   // pool blob rehashed to a different sum
	ErrPublishConflict  = ErrorKind("publish conflict")  // two members need the same output path
	ErrStaleIndex       = ErrorKind("stale index")       // upstream index disagrees with delivered blobs
	ErrTransient        = ErrorKind("transient")         // may succeed on retry
	ErrPermanent        = ErrorKind("permanent")         // will never succeed
)

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}
