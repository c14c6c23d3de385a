package rpc

import (
	"sync"

	"callgo/protocol"
)

// BatchQueue buffers batch-oneway requests in arrival order until they are
// flushed. A flush takes the whole buffer; requests enqueued while a flush is
// in flight land in the next batch.
type BatchQueue struct {
	mu   sync.Mutex
	reqs []protocol.Request
	size int
}

// Enqueue appends req without blocking or touching the transport.
func (q *BatchQueue) Enqueue(req protocol.Request) {
	req.ID = 0
	q.mu.Lock()
	q.reqs = append(q.reqs, req)
	q.size += len(req.Body)
	q.mu.Unlock()
}

// Len returns the number of queued requests.
func (q *BatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs)
}

// Size returns the total body bytes queued.
func (q *BatchQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// take empties the queue and returns what it held. The caller owns the
// requests; if sending them fails they are dropped, not requeued.
func (q *BatchQueue) take() []protocol.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	reqs := q.reqs
	q.reqs = nil
	q.size = 0
	return reqs
}
