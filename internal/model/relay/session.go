package relay

import "time"

// Session captures one live connection and the network metadata derived for it.
type Session struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	Geo         *Location `json:"geo,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ServerInfo returns the metadata stamped onto messages sent from this session.
func (s Session) ServerInfo() *ServerInfo {
	return &ServerInfo{IP: s.Addr, Geo: s.Geo}
}
