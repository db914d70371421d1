package types

import "errors"

// ErrorKind is the stable, caller-visible category of a failure
type ErrorKind string

const (
	KindInvalidOrderRequest ErrorKind = "INVALID_ORDER_REQUEST"
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"
	KindQuoteUnavailable    ErrorKind = "QUOTE_UNAVAILABLE"
	KindOrderNotFound       ErrorKind = "ORDER_NOT_FOUND"
	KindOrderNotClosable    ErrorKind = "ORDER_NOT_CLOSABLE"
	KindPersistenceFailure  ErrorKind = "PERSISTENCE_FAILURE"
)

// Error carries a kind and a human readable message. Err keeps the internal
// cause for logs and is never shown to API callers.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrOrderNotFound)
// works regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidOrderRequest = &Error{Kind: KindInvalidOrderRequest, Message: "invalid order request"}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance, Message: "insufficient balance"}
	ErrQuoteUnavailable    = &Error{Kind: KindQuoteUnavailable, Message: "quote unavailable"}
	ErrOrderNotFound       = &Error{Kind: KindOrderNotFound, Message: "order not found"}
	ErrOrderNotClosable    = &Error{Kind: KindOrderNotClosable, Message: "order not closable"}
	ErrPersistenceFailure  = &Error{Kind: KindPersistenceFailure, Message: "persistence failure"}
)

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// AsPersistence leaves typed errors untouched and wraps anything else as a
// persistence failure.
func AsPersistence(message string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	return WrapError(KindPersistenceFailure, message, err)
}
