package server

import (
	"context"
	"sync"
)

// HandlerFunc implements one operation. Return an *rpc.UserError for declared
// failures; any other error reaches the caller as an unknown exception.
type HandlerFunc func(ctx context.Context, in []byte) ([]byte, error)

// Servant is the set of operations implemented by one object.
type Servant struct {
	mu  sync.RWMutex
	ops map[string]HandlerFunc
}

func NewServant() *Servant {
	return &Servant{ops: make(map[string]HandlerFunc)}
}

// Handle registers h for op, replacing any previous handler.
func (s *Servant) Handle(op string, h HandlerFunc) *Servant {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op] = h
	return s
}

func (s *Servant) handler(op string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops[op]
}

type objectKey struct {
	identity string
	facet    string
}
