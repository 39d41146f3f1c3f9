// Package relay implements the backlog-and-broadcast protocol: sessions join
// and receive the stored history, and every accepted message is appended to
// the store and fanned out to all live sessions, the sender included.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/relay"
)

// ErrInvalidMessage wraps validation failures returned by Submit.
var ErrInvalidMessage = errors.New("invalid message")

const (
	defaultSendBuffer = 256
	maxClockSkew      = 24 * time.Hour
)

// Mirror receives every stored message after it has been broadcast.
type Mirror interface {
	Publish(msg relay.Message) error
}

// Stats is a point-in-time view of hub state.
type Stats struct {
	Sessions    int `json:"sessions"`
	Subscribers int `json:"subscribers"`
	Messages    int `json:"messages"`
}

// Option customises a Hub.
type Option func(*Hub)

// WithSendBuffer sets the per-session queue length.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMirror forwards stored messages to m.
func WithMirror(m Mirror) Option {
	return func(h *Hub) { h.mirror = m }
}

// WithClock overrides the time source used for server timestamps and ids.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// Hub owns the broadcast set. Join and Submit are serialised by mu, which
// makes each joining session's backlog a consistent cut of the store.
type Hub struct {
	store    *Store
	registry *Registry
	mirror   Mirror
	logger   *slog.Logger
	now      func() time.Time

	sendBuffer int

	mu     sync.Mutex
	subs   map[string]*Subscription
	lastID int64
}

// NewHub wires a hub around an existing store and registry.
func NewHub(store *Store, registry *Registry, opts ...Option) *Hub {
	h := &Hub{
		store:      store,
		registry:   registry,
		logger:     slog.Default().With("component", "hub"),
		now:        time.Now,
		sendBuffer: defaultSendBuffer,
		subs:       make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join registers the session and queues the current backlog for it alone.
func (h *Hub) Join(sessionID string, header http.Header, remoteAddr string) (*Subscription, error) {
	session, err := h.registry.Register(sessionID, header, remoteAddr)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(sessionID, h.sendBuffer)

	h.mu.Lock()
	backlog := h.store.Snapshot()
	sub.deliver(Event{Name: relay.EventLoadMessages, Backlog: backlog})
	h.subs[sessionID] = sub
	h.mu.Unlock()

	h.logger.Info("session joined", "session", sessionID, "addr", session.Addr, "geo", session.Geo != nil, "backlog", len(backlog))
	return sub, nil
}

// Leave removes the session from the registry and the broadcast set.
func (h *Hub) Leave(sessionID string) {
	h.registry.Unregister(sessionID)

	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	if ok {
		delete(h.subs, sessionID)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
		h.logger.Info("session left", "session", sessionID)
	}
}

// Submit validates msg, stamps server metadata for user senders, stores it
// and broadcasts it to every live session. The stored copy is returned.
func (h *Hub) Submit(sessionID string, msg relay.Message) (relay.Message, error) {
	if err := relay.Validate(msg); err != nil {
		return relay.Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	// serverInfo is ours to set.
	msg.ServerInfo = nil
	if msg.From == relay.RoleUser {
		if session, ok := h.registry.Lookup(sessionID); ok {
			msg.ServerInfo = session.ServerInfo()
		}
	}
	msg.DataMissing = msg.IsFile() && msg.FileData == ""
	if msg.Timestamp == "" {
		msg.Timestamp = h.now().Format("15:04:05")
	}

	h.mu.Lock()
	msg.ID = h.nextID(msg.ID)
	h.store.Append(msg)
	ev := Event{Name: relay.EventNewMessage, Message: msg}
	delivered := 0
	for id, sub := range h.subs {
		if sub.deliver(ev) {
			delivered++
			continue
		}
		delete(h.subs, id)
		sub.close()
		h.logger.Warn("evicted slow session", "session", id)
	}
	h.mu.Unlock()

	h.logger.Debug("message relayed", "session", sessionID, "type", msg.Type, "from", msg.From, "id", msg.ID, "recipients", delivered)

	if h.mirror != nil {
		if err := h.mirror.Publish(msg); err != nil {
			h.logger.Warn("mirror publish failed", "id", msg.ID, "err", err)
		}
	}
	return msg, nil
}

// nextID returns a strictly increasing id. The client's timestamp-derived id
// is kept when it is ahead of the last one; otherwise the last id is bumped.
// Ids further than maxClockSkew in the future are replaced by the clock.
// Must be called with mu held.
func (h *Hub) nextID(clientID int64) int64 {
	now := h.now().UnixMilli()
	id := clientID
	if id <= 0 || id > now+maxClockSkew.Milliseconds() {
		id = now
	}
	if id <= h.lastID {
		id = h.lastID + 1
	}
	h.lastID = id
	return id
}

// Snapshot returns the full backlog.
func (h *Hub) Snapshot() []relay.Message {
	return h.store.Snapshot()
}

// Stats reports current counts.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	subs := len(h.subs)
	h.mu.Unlock()
	return Stats{
		Sessions:    h.registry.Len(),
		Subscribers: subs,
		Messages:    h.store.Len(),
	}
}
