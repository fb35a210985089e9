package billing

import (
	"context"
	"errors"
)

// Kind classifies a billing failure so callers can map it to a response.
type Kind string

const (
	KindBadInput            Kind = "bad_input"
	KindConflict            Kind = "conflict"
	KindTransient           Kind = "transient"
	KindProvider            Kind = "provider_error"
	KindAuth                Kind = "auth_error"
	KindNotFound            Kind = "not_found"
	KindRateLimited         Kind = "rate_limited"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindDeliveryRejected    Kind = "delivery_rejected"
	KindInternal            Kind = "internal"
)

var (
	ErrConflict            = &Error{Kind: KindConflict}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// IsTransient reports whether retrying the same operation later may succeed.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func asInternal(message string, err error) error {
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Kind: KindInternal, Message: message, Err: err}
}
