// Package ipcerr defines the error taxonomy shared by every kernel component.
//
// Each failure carries a Kind so callers can branch on the category without
// parsing messages, plus the operation that failed and a human-readable detail.
// Errors compare equal under errors.Is when their kinds match:
//
//	if errors.Is(err, ipcerr.ErrWouldBlock) {
//		// retry later
//	}
package ipcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a kernel error.
type Kind uint8

const (
	KindUnknown Kind = iota
	PermissionDenied
	WouldBlock
	Timeout
	QuotaExceeded
	OutOfMemory
	PeerGone
	Invalidated
	ManifestRejected
	AlreadyRunning
	NotFound
	InvalidArgument
	Fault
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	PermissionDenied: "permission_denied",
	WouldBlock:       "would_block",
	Timeout:          "timeout",
	QuotaExceeded:    "quota_exceeded",
	OutOfMemory:      "out_of_memory",
	PeerGone:         "peer_gone",
	Invalidated:      "invalidated",
	ManifestRejected: "manifest_rejected",
	AlreadyRunning:   "already_running",
	NotFound:         "not_found",
	InvalidArgument:  "invalid_argument",
	Fault:            "fault",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return KindUnknown, false
}

// Sentinels for errors.Is comparisons.
var (
	ErrPermissionDenied = &Error{Kind: PermissionDenied}
	ErrWouldBlock       = &Error{Kind: WouldBlock}
	ErrTimeout          = &Error{Kind: Timeout}
	ErrQuotaExceeded    = &Error{Kind: QuotaExceeded}
	ErrOutOfMemory      = &Error{Kind: OutOfMemory}
	ErrPeerGone         = &Error{Kind: PeerGone}
	ErrInvalidated      = &Error{Kind: Invalidated}
	ErrManifestRejected = &Error{Kind: ManifestRejected}
	ErrAlreadyRunning   = &Error{Kind: AlreadyRunning}
	ErrNotFound         = &Error{Kind: NotFound}
	ErrInvalidArgument  = &Error{Kind: InvalidArgument}
	ErrFault            = &Error{Kind: Fault}
)

// Error is a kernel error with a kind, the failing operation and a detail message.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Detail == "":
		return e.Kind.String()
	case e.Op == "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Detail == "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
	}
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of err, or KindUnknown if err is not a kernel error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is a kernel error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
