package rpc

import (
	"time"

	"callgo/async"
)

// Observer receives instrumentation events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	InvocationStarted(identity, operation string, mode Mode)
	InvocationFinished(identity, operation string, mode Mode, kind async.Kind, err error, elapsed time.Duration)
	ConnectionStateChanged(endpoint string, from, to State)
}

type nopObserver struct{}

func (nopObserver) InvocationStarted(string, string, Mode)                                     {}
func (nopObserver) InvocationFinished(string, string, Mode, async.Kind, error, time.Duration) {}
func (nopObserver) ConnectionStateChanged(string, State, State)                                {}
