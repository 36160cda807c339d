// Package router dispatches inbound client operations to the room router.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/a-essam23/taskhive/internal/rooms"
	"github.com/a-essam23/taskhive/pkg/event"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type MessageRouter struct {
	logger *slog.Logger
	rooms  *rooms.Router
}

func NewMessageRouter(logger *slog.Logger, roomRouter *rooms.Router) *MessageRouter {
	return &MessageRouter{
		logger: logger.With(slog.String("component", "message_router")),
		rooms:  roomRouter,
	}
}

// HandleMessage parses one client frame and executes its operation. Unknown
// operations and malformed frames are logged and dropped; nothing a client
// sends here can take the connection down.
func (r *MessageRouter) HandleMessage(_ context.Context, connID uuid.UUID, msg []byte) {
	var clientMsg event.Envelope
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		return
	}

	switch clientMsg.Event {
	case event.OpJoinProject:
		r.handleRoomOp(connID, event.RoomProject, clientMsg.Payload, r.rooms.Join)
	case event.OpLeaveProject:
		r.handleRoomOp(connID, event.RoomProject, clientMsg.Payload, r.rooms.Leave)
	case event.OpJoinTask:
		r.handleRoomOp(connID, event.RoomTask, clientMsg.Payload, r.rooms.Join)
	case event.OpLeaveTask:
		r.handleRoomOp(connID, event.RoomTask, clientMsg.Payload, r.rooms.Leave)
	default:
		r.logger.Warn("Received unknown event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
	}
}

type roomOp func(connID uuid.UUID, kind event.RoomKind, entityID string) error

func (r *MessageRouter) handleRoomOp(connID uuid.UUID, kind event.RoomKind, payload json.RawMessage, op roomOp) {
	entityID := extractEntityID(payload)
	if err := op(connID, kind, entityID); err != nil {
		// Room requests from unauthenticated connections are ignored, not
		// treated as connection errors.
		level := slog.LevelWarn
		if errors.Is(err, rooms.ErrNotAuthenticated) {
			level = slog.LevelDebug
		}
		r.logger.Log(context.Background(), level, "room operation rejected",
			slog.String("connID", connID.String()),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}
}

// extractEntityID accepts both `{"id":"P1"}` and a bare `"P1"` payload.
func extractEntityID(payload json.RawMessage) string {
	parsed := gjson.ParseBytes(payload)
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	return parsed.Get("id").String()
}
