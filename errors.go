package keybox

import (
	"errors"
	"fmt"
)

// Error is a storage engine error with a structured code. Callers branch on
// the sentinel values below with errors.Is; two Errors compare equal when
// their codes match regardless of details or cause.
type Error struct {
	Code    string // structured code, e.g. "KB-LIFE-1001"
	Message string // human-readable message
	Details string // optional additional details
	Cause   error  // underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is support for code comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates an Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details string) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *Error) WithCause(cause error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// ErrorCode extracts the structured code from an error, or "" when the
// error is not an Error.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Lifecycle errors (LIFE): operation attempted in the wrong engine state.
var (
	// ErrNotInitialized indicates a data operation before Initialize.
	ErrNotInitialized = NewError("KB-LIFE-1001", "engine not initialized")

	// ErrClosed indicates a data operation after Close.
	ErrClosed = NewError("KB-LIFE-1002", "engine closed")
)

// Initialization errors (INIT): the backing medium could not be opened.
var (
	// ErrInitialization indicates Initialize failed to open the namespace.
	ErrInitialization = NewError("KB-INIT-2000", "initialization failed")

	// ErrNamespaceLocked indicates another engine holds the namespace.
	ErrNamespaceLocked = NewError("KB-INIT-2001", "namespace locked by another engine")
)

// Codec errors (CODEC): value (de)serialization failed. Distinct from a
// missing key.
var (
	// ErrEncode indicates a value could not be serialized.
	ErrEncode = NewError("KB-CODEC-3000", "value encoding failed")

	// ErrDecode indicates stored bytes could not be deserialized into the
	// requested type.
	ErrDecode = NewError("KB-CODEC-3001", "value decoding failed")
)

// Encryption errors (CRYPT): never surfaced as "value not found".
var (
	// ErrEncrypt indicates the encryption transform failed on write.
	ErrEncrypt = NewError("KB-CRYPT-4000", "payload encryption failed")

	// ErrDecrypt indicates the decryption transform failed, e.g. wrong key
	// or corrupted ciphertext.
	ErrDecrypt = NewError("KB-CRYPT-4001", "payload decryption failed")

	// ErrEncryptionMismatch indicates a stored payload whose encryption
	// state disagrees with the namespace configuration.
	ErrEncryptionMismatch = NewError("KB-CRYPT-4002", "payload encryption state does not match namespace configuration")

	// ErrBadKeyMaterial indicates unusable key or passphrase configuration.
	ErrBadKeyMaterial = NewError("KB-CRYPT-4003", "bad key material")
)

// I/O errors (IO): the underlying medium failed.
var (
	// ErrIO indicates a read or write on the backing medium failed.
	ErrIO = NewError("KB-IO-5000", "storage i/o failed")
)

// Argument errors (ARG).
var (
	// ErrEmptyKey indicates an empty key was passed to a data operation.
	ErrEmptyKey = NewError("KB-ARG-6000", "key must not be empty")
)

// Not-found errors (KEY): used only where the contract distinguishes
// absence from a present zero value; most read APIs return a found flag
// instead.
var (
	// ErrNotFound indicates the requested key is absent or expired.
	ErrNotFound = NewError("KB-KEY-7000", "key not found")
)
