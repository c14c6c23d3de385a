package rpc

import (
	"context"

	"callgo/protocol"
)

// LocalAdapter dispatches requests for objects hosted in this process without
// a transport.
type LocalAdapter interface {
	Name() string

	// DispatchLocal queues reqs for in-order dispatch on the adapter's workers
	// and returns without waiting for them to run. sent is called once the
	// adapter accepted the requests; done is called after the last one ran,
	// with its reply when it was twoway. ctx is cancelled if the caller stops
	// waiting. A returned error means nothing was accepted.
	DispatchLocal(ctx context.Context, reqs []protocol.Request, sent func(), done func(protocol.Reply)) error
}
