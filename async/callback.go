package async

import (
	"errors"
	"fmt"
)

// Void is the response type of operations without a return value.
type Void = struct{}

var ErrNoExceptionHandler = errors.New("async: callback requires an OnSystemException handler")

// UserException marks an error declared by an operation's contract. Errors that
// do not implement it are system exceptions.
type UserException interface {
	error
	UserException()
}

// UndeclaredError is delivered to OnSystemException when a user exception
// arrives for a callback that declared no OnUserException handler.
type UndeclaredError struct {
	Err error
}

func (e *UndeclaredError) Error() string {
	return fmt.Sprintf("async: undeclared user exception: %v", e.Err)
}

func (e *UndeclaredError) Unwrap() error { return e.Err }

// Callback carries the optional handler slots for one call shape. Only
// OnSystemException is mandatory.
type Callback[T any] struct {
	OnResponse        func(T)
	OnUserException   func(error)
	OnSystemException func(error)
	OnSent            func(sentSynchronously bool)
}

// Twoway builds a callback for a call that returns a T.
func Twoway[T any](onResponse func(T), onException func(error)) *Callback[T] {
	return &Callback[T]{OnResponse: onResponse, OnSystemException: onException}
}

// Oneway builds a callback for a call with no reply; only failures and the
// sent notification are observable.
func Oneway(onException func(error)) *Callback[Void] {
	return &Callback[Void]{OnSystemException: onException}
}

// WithUserException returns a copy of c with the user-exception capability.
func (c *Callback[T]) WithUserException(fn func(error)) *Callback[T] {
	cp := *c
	cp.OnUserException = fn
	return &cp
}

// WithSent returns a copy of c with the sent capability.
func (c *Callback[T]) WithSent(fn func(sentSynchronously bool)) *Callback[T] {
	cp := *c
	cp.OnSent = fn
	return &cp
}

func (c *Callback[T]) Validate() error {
	if c == nil || c.OnSystemException == nil {
		return ErrNoExceptionHandler
	}
	return nil
}

func (c *Callback[T]) deliver(o Outcome[T]) {
	switch o.Kind {
	case KindResponse:
		if c.OnResponse != nil {
			c.OnResponse(o.Value)
		}
	default:
		c.deliverFailure(o)
	}
}

// deliverFailure is the single exception path shared by every value type and
// user-exception combination.
func (c *Callback[T]) deliverFailure(o Outcome[T]) {
	if o.Kind == KindUserException {
		if c.OnUserException != nil {
			c.OnUserException(o.Err)
			return
		}
		c.OnSystemException(&UndeclaredError{Err: o.Err})
		return
	}
	c.OnSystemException(o.Err)
}

// Map adapts a callback over T into one over raw values of type R. A decode
// failure is reported as a system exception.
func Map[R, T any](c *Callback[T], decode func(R) (T, error)) *Callback[R] {
	out := &Callback[R]{
		OnUserException:   c.OnUserException,
		OnSystemException: c.OnSystemException,
		OnSent:            c.OnSent,
	}
	out.OnResponse = func(raw R) {
		v, err := decode(raw)
		if err != nil {
			c.OnSystemException(err)
			return
		}
		if c.OnResponse != nil {
			c.OnResponse(v)
		}
	}
	return out
}
