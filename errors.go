package relay

import (
	"context"
	"errors"
	"strconv"

	"github.com/maxbolgarin/errm"
)

// ErrorKind is a stable category of relay failure. It is safe to show to users and to use as a metrics label.
type ErrorKind string

const (
	KindInvalidURL   ErrorKind = "invalid_url"
	KindFileTooLarge ErrorKind = "file_too_large"
	KindRemote       ErrorKind = "remote_error"
	KindTransport    ErrorKind = "transport_error"
	KindUpload       ErrorKind = "upload_error"
	KindCancelled    ErrorKind = "cancelled"
	KindInternal     ErrorKind = "internal_error"
)

func (k ErrorKind) String() string {
	return string(k)
}

// Error is a categorized relay error. Status is set only for [KindRemote].
// Err is the original cause, it can be matched with errors.Is and errors.As.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error

	detail string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg += " (status " + strconv.Itoa(e.Status) + ")"
	}
	if e.detail != "" {
		msg += ": " + e.detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so errors.Is(err, ErrFileTooLarge) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

var (
	ErrInvalidURL   = &Error{Kind: KindInvalidURL}
	ErrFileTooLarge = &Error{Kind: KindFileTooLarge}
	ErrRemote       = &Error{Kind: KindRemote}
	ErrTransport    = &Error{Kind: KindTransport}
	ErrUpload       = &Error{Kind: KindUpload}
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrInternal     = &Error{Kind: KindInternal}
)

func newError(kind ErrorKind, err error, msg string, fields ...any) *Error {
	return &Error{Kind: kind, Err: err, detail: errm.New(msg, fields...).Error()}
}

func remoteError(status int) *Error {
	return &Error{Kind: KindRemote, Status: status, detail: "unexpected status"}
}

var errorKinds = []ErrorKind{
	KindInvalidURL, KindFileTooLarge, KindRemote, KindTransport, KindUpload, KindCancelled, KindInternal,
}

// asError finds *Error in the chain of err. errm wrappers hide the chain from errors.As,
// so for them only the kind is recovered.
func asError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	if !errm.Check(err) {
		return nil, false
	}
	for _, kind := range errorKinds {
		if errm.Is(err, &Error{Kind: kind}) {
			return &Error{Kind: kind, Err: err}, true
		}
	}
	return nil, false
}

// KindOf returns category of the error. Unknown errors are [KindInternal].
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if re, ok := asError(err); ok {
		return re.Kind
	}
	return KindInternal
}

// StatusOf returns remote HTTP status of the error or 0.
func StatusOf(err error) int {
	if re, ok := asError(err); ok {
		return re.Status
	}
	return 0
}

// classifyTransfer maps an error of a network transfer to a relay error.
// Cancellation by parent context is reported as [KindCancelled], everything else including timeouts as [KindTransport].
func classifyTransfer(ctx context.Context, err error, msg string, fields ...any) *Error {
	if re, ok := asError(err); ok {
		return re
	}
	cancelled := errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
	if cancelled && !errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return newError(KindCancelled, err, msg, fields...)
	}
	return newError(KindTransport, err, msg, fields...)
}
