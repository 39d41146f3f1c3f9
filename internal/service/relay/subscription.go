package relay

import (
	"sync"

	"github.com/zhouzirui/z-relay/backend/internal/model/relay"
)

// Event is one item queued for delivery to a session.
type Event struct {
	Name    string
	Backlog []relay.Message
	Message relay.Message
	Err     string
}

// Subscription is a session's outbound queue. The hub never blocks on it:
// when the queue is full the subscription is closed instead.
type Subscription struct {
	sessionID string
	events    chan Event

	mu     sync.Mutex
	closed bool
}

func newSubscription(sessionID string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscription{
		sessionID: sessionID,
		events:    make(chan Event, buffer),
	}
}

// SessionID returns the owning session.
func (s *Subscription) SessionID() string { return s.sessionID }

// Events is closed once the session leaves or is evicted.
func (s *Subscription) Events() <-chan Event { return s.events }

// Notify queues ev for this session only. It reports false if the queue is
// full or closed.
func (s *Subscription) Notify(ev Event) bool { return s.deliver(ev) }

func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
