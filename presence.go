package lobby

import (
	"encoding/json"
)

// PresenceStatus is the decoded status blob other sessions broadcast.
type PresenceStatus struct {
	Status      string         `json:"Status,omitempty"`
	ProductName string         `json:"ProductName,omitempty"`
	IsPlaying   bool           `json:"bIsPlaying,omitempty"`
	IsJoinable  bool           `json:"bIsJoinable,omitempty"`
	SessionId   string         `json:"SessionId,omitempty"`
	Properties  map[string]any `json:"Properties,omitempty"`
}

// Presence is one decoded availability update from the stream channel.
type Presence struct {
	UserId    string
	Platform  string
	Available bool
	Show      string
	Status    *PresenceStatus
	RawStatus string
}

func decodePresenceStatus(raw string) *PresenceStatus {
	status := &PresenceStatus{}
	if err := json.Unmarshal([]byte(raw), status); err != nil {
		return &PresenceStatus{Status: raw}
	}
	return status
}
