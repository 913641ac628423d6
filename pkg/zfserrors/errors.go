// Package zfserrors enumerates the error kinds surfaced across the engine
// (spec.md §7) and provides the small set of helpers every other package
// uses to classify and wrap them.
package zfserrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is a coarse error classification. Every error the engine returns to
// a caller across a package boundary is classifiable as exactly one Kind.
type Kind int

const (
	// KindNone is the zero value; never used as an actual error kind.
	KindNone Kind = iota
	KindNoMem
	KindNoSpace
	KindIO
	KindChecksum
	KindInvalid
	KindBusy
	KindReadOnly
	KindNotFound
	KindExists
	KindQuota
	KindTooBig
	KindInProgress
	// KindRestart signals the write throttle rejected an allocation; the
	// caller must wait for the next TXG and retry (spec.md §4.5, §7).
	KindRestart
)

func (k Kind) String() string {
	switch k {
	case KindNoMem:
		return "ENOMEM"
	case KindNoSpace:
		return "ENOSPC"
	case KindIO:
		return "EIO"
	case KindChecksum:
		return "ECKSUM"
	case KindInvalid:
		return "EINVAL"
	case KindBusy:
		return "EBUSY"
	case KindReadOnly:
		return "EROFS"
	case KindNotFound:
		return "ENOENT"
	case KindExists:
		return "EEXIST"
	case KindQuota:
		return "EDQUOT"
	case KindTooBig:
		return "EFBIG"
	case KindInProgress:
		return "EINPROGRESS"
	case KindRestart:
		return "ERESTART"
	default:
		return "UNKNOWN"
	}
}

// Error pairs a Kind with a human message and an optional bookmark
// (objset/object/level/blkid) identifying where a checksum error was
// detected, per spec.md §7's "enough metadata for the user to locate the
// file" requirement.
type Error struct {
	Kind     Kind
	Msg      string
	Bookmark *Bookmark
	cause    error
}

// Bookmark locates a block within an object set: the coordinate a checksum
// or I/O error is reported against.
type Bookmark struct {
	Objset uint64
	Object uint64
	Level  int
	Blkid  uint64
}

func (b *Bookmark) String() string {
	if b == nil {
		return ""
	}
	return fmt.Sprintf("objset=%d object=%d level=%d blkid=%d", b.Objset, b.Object, b.Level, b.Blkid)
}

func (e *Error) Error() string {
	if e.Bookmark != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Bookmark)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind.
func New(kind Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

// Wrap attaches a Kind to an existing error, preserving it for errors.Unwrap.
func Wrap(kind Kind, cause error, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...), cause: cause}
}

// WithBookmark returns a copy of e carrying the given bookmark.
func (e *Error) WithBookmark(b Bookmark) *Error {
	cp := *e
	cp.Bookmark = &b
	return &cp
}

// Is reports whether err (or anything it wraps) carries Kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// Fatal panics with a stack trace attached via github.com/pkg/errors, the
// abort path for invariant violations such as the DDT refcount underflow
// of §7 ("is fatal (VERIFY), because it indicates on-disk corruption") and
// the engine's other hold/refcount underflows.
// Every other error path in the engine returns a value; this is reserved
// for invariant violations that mean the on-disk state itself is wrong.
func Fatal(format string, a ...interface{}) {
	panic(pkgerrors.Errorf(format, a...))
}

// Restart is the sentinel write-throttle error (spec.md §4.5): callers
// should sleep until the next TXG opens and retry their allocation.
var Restart = New(KindRestart, "write throttle: retry after next txg")
