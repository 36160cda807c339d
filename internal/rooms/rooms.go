// Package rooms gates join/leave semantics for project and task rooms.
package rooms

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/taskhive/pkg/event"
	"github.com/a-essam23/taskhive/pkg/state"
	"github.com/google/uuid"
)

// ErrNotAuthenticated is returned for room operations on connections that
// never completed authentication. Not fatal to the connection; callers log
// and drop the request.
var ErrNotAuthenticated = errors.New("connection is not authenticated")

type Router struct {
	logger *slog.Logger
	state  state.Manager
}

func NewRouter(logger *slog.Logger, st state.Manager) *Router {
	return &Router{
		logger: logger.With(slog.String("component", "room_router")),
		state:  st,
	}
}

// Join adds the connection to the room named by kind and entity id.
// Idempotent; only authenticated connections may join.
func (r *Router) Join(connID uuid.UUID, kind event.RoomKind, entityID string) error {
	roomKey, err := r.gate(connID, kind, entityID)
	if err != nil {
		return err
	}
	if err := r.state.Join(connID, roomKey); err != nil {
		return err
	}
	r.logger.Debug("joined room", slog.String("connID", connID.String()), slog.String("room", roomKey))
	return nil
}

// Leave removes membership; no-op if not a member.
func (r *Router) Leave(connID uuid.UUID, kind event.RoomKind, entityID string) error {
	roomKey, err := r.gate(connID, kind, entityID)
	if err != nil {
		return err
	}
	if err := r.state.Leave(connID, roomKey); err != nil {
		return err
	}
	r.logger.Debug("left room", slog.String("connID", connID.String()), slog.String("room", roomKey))
	return nil
}

func (r *Router) gate(connID uuid.UUID, kind event.RoomKind, entityID string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown room kind %q", kind)
	}
	if entityID == "" {
		return "", errors.New("missing entity id")
	}
	conn, ok := r.state.GetConnection(connID)
	if !ok || !conn.Authenticated() {
		return "", ErrNotAuthenticated
	}
	return kind.Key(entityID), nil
}
