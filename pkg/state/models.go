package state

import (
	"time"

	"github.com/a-essam23/taskhive/pkg/transport"
	"github.com/google/uuid"
)

// Principal is the authenticated identity attached to a connection. It lives
// exactly as long as the connection that carries it.
type Principal struct {
	ID      string
	Email   string
	IsAdmin bool
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Link      transport.Link
	Principal *Principal // nil until the connection authenticates
	CreatedAt time.Time

	// Rooms the connection is currently a member of, keyed by room key.
	// Owned and mutated only by the Manager.
	Rooms map[string]struct{}
}

// Authenticated reports whether a principal has been bound. Every room and
// emit entry point checks this instead of trusting callers.
func (c *Connection) Authenticated() bool {
	return c.Principal != nil
}

// canonical representation of a fan-out room.
type Room struct {
	Key     string
	Members map[uuid.UUID]*Connection
}
