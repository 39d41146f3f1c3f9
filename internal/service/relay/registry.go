package relay

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/relay"
	"github.com/zhouzirui/z-relay/backend/internal/service/geo"
)

// ErrSessionExists is returned when a session id is registered twice.
var ErrSessionExists = errors.New("session already registered")

// Registry tracks live sessions and the network metadata derived for them.
// Entries are keyed per session, so sessions never contend with each other.
type Registry struct {
	locator  geo.Locator
	sessions sync.Map // session id -> relay.Session
	now      func() time.Time
}

// NewRegistry returns an empty registry. A nil locator disables geolocation.
func NewRegistry(locator geo.Locator) *Registry {
	if locator == nil {
		locator = geo.Nop{}
	}
	return &Registry{locator: locator, now: time.Now}
}

// Register derives the session's address and location and stores the entry.
// A failed geolocation lookup leaves Geo nil.
func (r *Registry) Register(sessionID string, header http.Header, remoteAddr string) (relay.Session, error) {
	addr := ResolveAddress(header, remoteAddr)
	session := relay.Session{
		ID:          sessionID,
		Addr:        addr,
		ConnectedAt: r.now().UTC(),
	}
	if loc, ok := r.locator.Lookup(addr); ok {
		session.Geo = loc
	}
	if _, loaded := r.sessions.LoadOrStore(sessionID, session); loaded {
		return relay.Session{}, ErrSessionExists
	}
	return session, nil
}

// Lookup returns the entry for sessionID, if the session is still live.
func (r *Registry) Lookup(sessionID string) (relay.Session, bool) {
	v, ok := r.sessions.Load(sessionID)
	if !ok {
		return relay.Session{}, false
	}
	return v.(relay.Session), true
}

// Unregister drops the entry. Unknown ids are ignored.
func (r *Registry) Unregister(sessionID string) {
	r.sessions.Delete(sessionID)
}

// Len counts the live sessions.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ResolveAddress picks the originating client address: the first
// X-Forwarded-For entry, then X-Real-IP, then the transport peer address.
func ResolveAddress(header http.Header, remoteAddr string) string {
	if header != nil {
		if xff := header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if xrip := strings.TrimSpace(header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	return peerAddress(remoteAddr)
}

func peerAddress(remoteAddr string) string {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return host
}
