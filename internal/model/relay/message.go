package relay

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Kind tags the message union.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// Location is the result of a geolocation lookup.
type Location struct {
	Country     string    `json:"country,omitempty"`
	City        string    `json:"city,omitempty"`
	Region      string    `json:"region,omitempty"`
	Coordinates []float64 `json:"coordinates,omitempty"` // [lat, lon]
	Timezone    string    `json:"timezone,omitempty"`
}

// ServerInfo is the metadata the relay derives from the sender's connection.
// Clients never get to set it.
type ServerInfo struct {
	IP  string    `json:"ip"`
	Geo *Location `json:"geo,omitempty"`
}

// Message is one relayed chat entry. Once stored it is never modified.
type Message struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Type      Kind   `json:"type"`
	From      Role   `json:"from"`
	Timestamp string `json:"timestamp"`

	// UserInfo is the browser fingerprint blob collected by the UI. Opaque.
	UserInfo   map[string]any `json:"userInfo,omitempty"`
	ServerInfo *ServerInfo    `json:"serverInfo,omitempty"`

	FileData    string `json:"fileData,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileType    string `json:"fileType,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	DataMissing bool   `json:"dataMissing,omitempty"`
}

// IsFile reports whether the message carries an attachment.
func (m Message) IsFile() bool { return m.Type == KindFile }
