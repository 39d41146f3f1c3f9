// Package geo maps client addresses to coarse locations using local datasets.
// Lookups never leave the process.
package geo

import (
	"net/netip"
	"strings"

	"github.com/zhouzirui/z-relay/backend/internal/model/relay"
)

// Locator resolves an address to a location. A miss is not an error.
type Locator interface {
	Lookup(ip string) (*relay.Location, bool)
}

// Nop never finds anything.
type Nop struct{}

// Lookup always misses.
func (Nop) Lookup(string) (*relay.Location, bool) { return nil, false }

// routable parses ip and reports whether it is worth looking up.
// Private, loopback and link-local ranges are never in a public dataset.
func routable(ip string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Addr{}, false
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast() {
		return netip.Addr{}, false
	}
	return addr, true
}
