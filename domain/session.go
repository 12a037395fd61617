package domain

import "time"

// Session holds per-connection protocol state for an authenticated caller.
// It is keyed by a one-way derivation of the bearer token, never the token
// itself, so the store never contains a reusable secret.
type Session struct {
	Key          string    `json:"key"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// EventSeq is a monotonically non-decreasing counter scoped to the
	// session's lifetime.
	EventSeq uint64 `json:"event_seq"`

	ClientCapabilities map[string]any `json:"client_capabilities,omitempty"`
	ServerCapabilities map[string]any `json:"server_capabilities,omitempty"`

	// Context carries free-form state for multi-step tool flows.
	Context map[string]any `json:"context,omitempty"`

	// ActiveStreams lists sub-stream identifiers currently open on this
	// connection.
	ActiveStreams []string `json:"active_streams,omitempty"`
}

// HasStream reports whether the given stream id is currently active.
func (s *Session) HasStream(id string) bool {
	for _, v := range s.ActiveStreams {
		if v == id {
			return true
		}
	}
	return false
}
