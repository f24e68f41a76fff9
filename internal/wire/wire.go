// Package wire defines the frame and event contract shared by the sync hub
// and the client runtime. Both sides speak JSON frames over a websocket:
// {type, request_id, payload}.
package wire

import "encoding/json"

// Frame is the envelope for every websocket message in either direction.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Frame types sent by clients.
const (
	TypeJoin      = "sync.join"
	TypeLeave     = "sync.leave"
	TypeTrack     = "sync.track"
	TypeWatch     = "sync.watch"
	TypeHeartbeat = "sync.heartbeat"
)

// Frame types sent by the hub.
const (
	TypeJoined   = "sync.joined"
	TypeAck      = "sync.ack"
	TypePresence = "sync.presence"
	TypeChange   = "sync.change"
	TypeError    = "sync.error"
)

// Change operations, matching the persisted store's row-level notifications.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// JoinPayload subscribes the connection to a topic channel.
type JoinPayload struct {
	Topic string `json:"topic"`
}

// JoinedPayload confirms a topic subscription.
type JoinedPayload struct {
	Topic      string `json:"topic"`
	ServerTime string `json:"server_time"`
}

// LeavePayload releases a topic subscription.
type LeavePayload struct {
	Topic string `json:"topic"`
}

// TrackPayload announces presence membership on a topic.
type TrackPayload struct {
	Topic  string `json:"topic"`
	UserID string `json:"user_id"`
}

// WatchPayload registers a row-change watch on a topic channel.
type WatchPayload struct {
	Topic  string `json:"topic"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// PresencePayload carries the full member state of a topic after any
// membership change.
type PresencePayload struct {
	Topic   string   `json:"topic"`
	Members []Member `json:"members"`
}

// Member is one ephemeral presence entry.
type Member struct {
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id,omitempty"`
}

// ChangePayload delivers one row change to a watching channel.
type ChangePayload struct {
	Topic  string `json:"topic"`
	Change Change `json:"change"`
}

// Change is a row-level change notification from the persisted store.
type Change struct {
	Table  string         `json:"table"`
	Op     string         `json:"op"`
	OldRow map[string]any `json:"old_row,omitempty"`
	NewRow map[string]any `json:"new_row,omitempty"`
}

// Row returns the row that best describes the change: the new row for
// inserts and updates, the old row for deletes.
func (c Change) Row() map[string]any {
	if c.Op == OpDelete {
		return c.OldRow
	}
	return c.NewRow
}

// AckEnvelope wraps an acknowledgement result.
type AckEnvelope struct {
	Result AckResult `json:"result"`
}

// AckResult reports the outcome of a client request frame.
type AckResult struct {
	Status string `json:"status"`
}

// ErrorEnvelope wraps a hub error frame.
type ErrorEnvelope struct {
	Error Error `json:"error"`
}

// Error is the structured error payload for sync.error frames.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
