package event

import (
	"encoding/json"
	"time"
)

// Event kinds pushed to clients. Wire-level tags; treat as frozen.
const (
	TaskCreated    = "task.created"
	TaskUpdated    = "task.updated"
	TaskDeleted    = "task.deleted"
	ProjectUpdated = "project.updated"
	CommentCreated = "comment.created"
	UserOnline     = "user.online"
	UserOffline    = "user.offline"
	Notification   = "notification"
)

// Operations clients send over an established connection.
const (
	OpJoinProject  = "join.project"
	OpLeaveProject = "leave.project"
	OpJoinTask     = "join.task"
	OpLeaveTask    = "leave.task"
)

// Envelope is the frame format in both directions: a tagged event name and
// an opaque payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal renders a ready-to-send frame for the given event kind.
func Marshal(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: kind, Payload: raw})
}

// PresenceOnline is the user.online payload, sent to every other connected
// party when a user authenticates.
type PresenceOnline struct {
	UserID   string    `json:"userId"`
	Email    string    `json:"email"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// PresenceOffline is the user.offline payload.
type PresenceOffline struct {
	UserID string `json:"userId"`
}
