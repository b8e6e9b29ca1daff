// Package apierror defines the error taxonomy shared by every core
// component (spec.md §7): a closed set of error kinds returned as a sum
// type from every exported operation instead of raw Go errors.
package apierror

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one member of the error taxonomy.
type Code int

// The taxonomy, verbatim from spec.md §7.
const (
	Success Code = iota
	AccessDenied
	BadFileDescriptor
	BadAddress
	DirectoryExists
	DirectoryNotFound
	DownloadStopped
	Error // generic
	IncompatibleVersion
	InvalidHandle
	InvalidOperation
	ItemExists
	ItemNotFound
	NotEmpty
	NotImplemented
	NotSupported
	NoTTY
	OsError // carries errno/NTSTATUS
	PermissionDenied
	XattrBufferSmall
	XattrExists
	XattrNotFound
	XattrOsxInvalid
	XattrTooBig

	// MalformedPacket, DecryptFailed and NonceMismatch belong to the codec
	// (spec.md §4.1) but share this taxonomy so callers can propagate them
	// through the same Error type.
	MalformedPacket
	DecryptFailed
	NonceMismatch

	// MalformedMethod is the resolution of spec.md §9's first Open
	// Question: a method string that does not match ^::[a-z_][a-z0-9_]*$.
	MalformedMethod
)

var names = map[Code]string{
	Success:              "success",
	AccessDenied:         "access_denied",
	BadFileDescriptor:    "bad_file_descriptor",
	BadAddress:           "bad_address",
	DirectoryExists:      "directory_exists",
	DirectoryNotFound:    "directory_not_found",
	DownloadStopped:      "download_stopped",
	Error:                "error",
	IncompatibleVersion:  "incompatible_version",
	InvalidHandle:        "invalid_handle",
	InvalidOperation:     "invalid_operation",
	ItemExists:           "item_exists",
	ItemNotFound:         "item_not_found",
	NotEmpty:             "not_empty",
	NotImplemented:       "not_implemented",
	NotSupported:         "not_supported",
	NoTTY:                "no_tty",
	OsError:              "os_error",
	PermissionDenied:     "permission_denied",
	XattrBufferSmall:     "xattr_buffer_small",
	XattrExists:          "xattr_exists",
	XattrNotFound:        "xattr_not_found",
	XattrOsxInvalid:      "xattr_osx_invalid",
	XattrTooBig:          "xattr_too_big",
	MalformedPacket:      "malformed_packet",
	DecryptFailed:        "decrypt_failed",
	NonceMismatch:        "nonce_mismatch",
	MalformedMethod:      "malformed_method",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is the value returned from every core operation that can fail. It
// wraps an optional cause (via github.com/pkg/errors) for logging, and,
// for OsError, the originating errno/NTSTATUS.
type Error struct {
	Code  Code
	Errno int
	cause error
}

// New builds an Error with no wrapped cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap attaches cause to code, matching the teacher's pkg/errors idiom
// (errors.Wrap) for the logging-facing chain while keeping Code as the
// caller-facing taxonomy value.
func Wrap(code Code, cause error, msg string) *Error {
	if cause == nil {
		return &Error{Code: code}
	}
	return &Error{Code: code, cause: errors.Wrap(cause, msg)}
}

// OS builds an OsError carrying errno.
func OS(errno int, cause error) *Error {
	return &Error{Code: OsError, Errno: errno, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return Success.String()
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	if e.Code == OsError {
		return fmt.Sprintf("%s(errno=%d)", e.Code, e.Errno)
	}
	return e.Code.String()
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether err carries the same Code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// IsTerminal reports whether this error permanently latches an OpenFile
// into the Error state (spec.md §4.7, §9 — error_ is never downgraded
// once set to one of these).
func (e *Error) IsTerminal() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case PermissionDenied, IncompatibleVersion, Error, OsError:
		return true
	default:
		return false
	}
}

// CodeOf extracts the Code from err, defaulting to Error for any error
// that isn't already an *Error (e.g. an I/O error bubbling out of a
// Provider implementation).
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return Error
}
