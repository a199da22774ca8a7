// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package cellerr defines the typed error taxonomy shared by every
// RepoCell storage-engine component.
package cellerr

import "fmt"

// Kind classifies an error the way callers at the HTTP/wire surface need to
// map it: to a status code, a pkt-line error band, or a retry decision.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindConflict
	KindProtected
	KindInvalid
	KindMalformed
	KindTimeout
	KindIO
	KindCancelled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindProtected:
		return "PROTECTED"
	case KindInvalid:
		return "INVALID"
	case KindMalformed:
		return "MALFORMED"
	case KindTimeout:
		return "TIMEOUT"
	case KindIO:
		return "IO"
	case KindCancelled:
		return "CANCELLED"
	case KindInternal:
		return "INTERNAL"
	default:
		return "NONE"
	}
}

// Error is the single error type returned across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	// Offset is set for MALFORMED errors produced while scanning a byte
	// stream (tree/commit/tag/pack decode).
	Offset int64
	cause   error
}

func (e *Error) Error() string {
	if e.Offset != 0 {
		return fmt.Sprintf("%s: %s (offset %d)", e.Kind, e.Message, e.Offset)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newErr(k Kind, format string, a ...any) error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, a...)}
}

func NewNotFound(format string, a ...any) error  { return newErr(KindNotFound, format, a...) }
func NewConflict(format string, a ...any) error  { return newErr(KindConflict, format, a...) }
func NewProtected(format string, a ...any) error { return newErr(KindProtected, format, a...) }
func NewInvalid(format string, a ...any) error   { return newErr(KindInvalid, format, a...) }
func NewTimeout(format string, a ...any) error   { return newErr(KindTimeout, format, a...) }
func NewIO(format string, a ...any) error        { return newErr(KindIO, format, a...) }
func NewCancelled(format string, a ...any) error { return newErr(KindCancelled, format, a...) }
func NewInternal(format string, a ...any) error  { return newErr(KindInternal, format, a...) }

// NewMalformed records the byte offset at which parsing gave up.
func NewMalformed(offset int64, format string, a ...any) error {
	return &Error{Kind: KindMalformed, Message: fmt.Sprintf(format, a...), Offset: offset}
}

// Wrap attaches a cause to a new error of the given kind, preserving the
// cause for errors.Is/errors.As chains.
func Wrap(k Kind, cause error, format string, a ...any) error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, a...), cause: cause}
}

func Is(err error, k Kind) bool {
	if err == nil {
		return false
	}
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else if ae, ok2 := errorsAs(err); ok2 {
		e = ae
	}
	if e == nil {
		return false
	}
	return e.Kind == k
}

func errorsAs(err error) (*Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

func IsNotFound(err error) bool  { return Is(err, KindNotFound) }
func IsConflict(err error) bool  { return Is(err, KindConflict) }
func IsProtected(err error) bool { return Is(err, KindProtected) }
func IsInvalid(err error) bool   { return Is(err, KindInvalid) }
func IsMalformed(err error) bool { return Is(err, KindMalformed) }
func IsTimeout(err error) bool   { return Is(err, KindTimeout) }
func IsIO(err error) bool        { return Is(err, KindIO) }
func IsCancelled(err error) bool { return Is(err, KindCancelled) }
func IsInternal(err error) bool  { return Is(err, KindInternal) }

// KindOf extracts the Kind of err, or KindInternal if err is not one of ours.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if e, ok := errorsAs(err); ok {
		return e.Kind
	}
	return KindInternal
}
