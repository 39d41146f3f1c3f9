package relay

import (
	"sync"

	"github.com/zhouzirui/z-relay/backend/internal/model/relay"
)

// Store is the append-only backlog kept for the lifetime of the process.
// There is no cap and no eviction.
type Store struct {
	mu       sync.RWMutex
	messages []relay.Message
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{messages: make([]relay.Message, 0, 64)}
}

// Append adds msg at the end of the backlog.
func (s *Store) Append(msg relay.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

// Snapshot returns a copy of every stored message in append order.
func (s *Store) Snapshot() []relay.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]relay.Message, len(s.messages))
	copy(copied, s.messages)
	return copied
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
