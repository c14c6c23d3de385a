package rpc

import (
	"errors"
	"fmt"

	"callgo/protocol"
)

var (
	ErrConnectTimeout    = errors.New("rpc: connect timeout")
	ErrRequestTimeout    = errors.New("rpc: request timeout")
	ErrInvocationTimeout = errors.New("rpc: invocation timeout")
	ErrCloseTimeout      = errors.New("rpc: close timeout")

	ErrClosedConnection  = errors.New("rpc: connection closed")
	ErrClosingConnection = errors.New("rpc: connection closing")
	ErrConnectionLost    = errors.New("rpc: connection lost")

	ErrCommunicatorDestroyed = errors.New("rpc: communicator destroyed")
	ErrNoEndpoint            = errors.New("rpc: no endpoint for proxy")
	ErrInvalidProxy          = errors.New("rpc: invalid proxy string")
	ErrProtocol              = errors.New("rpc: protocol violation")

	ErrObjectNotExist    = errors.New("rpc: object does not exist")
	ErrFacetNotExist     = errors.New("rpc: facet does not exist")
	ErrOperationNotExist = errors.New("rpc: operation does not exist")
)

// UserError is a failure declared by an operation's contract. It is the only
// error routed to OnUserException.
type UserError struct {
	ID   string // exception type id, e.g. "::Demo::Overdrawn"
	Data []byte
}

func (e *UserError) Error() string {
	if len(e.Data) == 0 {
		return fmt.Sprintf("rpc: user exception %s", e.ID)
	}
	return fmt.Sprintf("rpc: user exception %s: %s", e.ID, e.Data)
}

func (e *UserError) UserException() {}

// UnknownError reports a dispatch failure the servant could not express as a
// declared user exception.
type UnknownError struct {
	Status protocol.ReplyStatus
	Reason string
}

func (e *UnknownError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("rpc: %s", e.Status)
	}
	return fmt.Sprintf("rpc: %s: %s", e.Status, e.Reason)
}

// IsTimeout reports whether err is one of the timeout classes.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrInvocationTimeout) ||
		errors.Is(err, ErrCloseTimeout)
}

// IsConnectionClosed reports whether err means the connection an invocation
// depended on is gone or going away.
func IsConnectionClosed(err error) bool {
	return errors.Is(err, ErrClosedConnection) ||
		errors.Is(err, ErrClosingConnection) ||
		errors.Is(err, ErrConnectionLost)
}

// replyError converts a non-OK reply into the error delivered to the caller.
func replyError(rep protocol.Reply) error {
	switch rep.Status {
	case protocol.StatusOK:
		return nil
	case protocol.StatusUserException:
		return &UserError{ID: rep.Exception, Data: rep.Body}
	case protocol.StatusObjectNotExist:
		return ErrObjectNotExist
	case protocol.StatusFacetNotExist:
		return ErrFacetNotExist
	case protocol.StatusOperationNotExist:
		return ErrOperationNotExist
	default:
		return &UnknownError{Status: rep.Status, Reason: rep.Exception}
	}
}

// ReplyFor builds the reply an adapter sends for a dispatch that returned
// (body, err). It is the inverse of replyError.
func ReplyFor(id uint32, body []byte, err error) protocol.Reply {
	rep := protocol.Reply{ID: id}
	var ue *UserError
	var unk *UnknownError
	switch {
	case err == nil:
		rep.Status = protocol.StatusOK
		rep.Body = body
	case errors.As(err, &ue):
		rep.Status = protocol.StatusUserException
		rep.Exception = ue.ID
		rep.Body = ue.Data
	case errors.Is(err, ErrObjectNotExist):
		rep.Status = protocol.StatusObjectNotExist
	case errors.Is(err, ErrFacetNotExist):
		rep.Status = protocol.StatusFacetNotExist
	case errors.Is(err, ErrOperationNotExist):
		rep.Status = protocol.StatusOperationNotExist
	case errors.As(err, &unk):
		rep.Status = unk.Status
		rep.Exception = unk.Reason
	default:
		rep.Status = protocol.StatusUnknownException
		rep.Exception = err.Error()
	}
	return rep
}
