package state

import (
	"github.com/a-essam23/taskhive/pkg/transport"
	"github.com/google/uuid"
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(link transport.Link, ipAddr string) (*Connection, error)
	// DeregisterConnection removes the connection, its room memberships, and
	// its presence index entry. The entry is removed only when it still
	// points at this connection; a mapping overwritten by a newer connection
	// for the same user is left alone. The second return reports whether the
	// user's entry was removed.
	DeregisterConnection(connID uuid.UUID) (*Connection, bool)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	Connections() []*Connection

	// --- Presence Index ---
	// BindPrincipal attaches the principal and makes this connection the
	// user's live mapping, replacing any earlier one. The replaced
	// connection is not closed.
	BindPrincipal(connID uuid.UUID, principal *Principal) (*Connection, error)
	UserConnection(userID string) (*Connection, bool)
	OnlineUsers() []string
	CountOnline() int

	// --- Room Membership ---
	// Join adds the connection to the room, creating the room on first join.
	// Idempotent.
	Join(connID uuid.UUID, roomKey string) error
	// Leave removes membership; no-op if not a member.
	Leave(connID uuid.UUID, roomKey string) error
	RoomConnections(roomKey string) []*Connection
	FindRoom(roomKey string) (*Room, bool)
}
