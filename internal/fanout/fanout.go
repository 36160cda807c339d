// Package fanout delivers typed events to live connections: one user, one
// room, or everyone. Delivery is fire-and-forget; an offline user or empty
// room is a normal outcome, not an error.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/a-essam23/taskhive/internal/observe"
	"github.com/a-essam23/taskhive/pkg/event"
	"github.com/a-essam23/taskhive/pkg/state"
	"github.com/google/uuid"
)

// Target selectors carried on bus messages.
const (
	TargetUser      = "user"
	TargetRoom      = "room"
	TargetBroadcast = "broadcast"
)

// Message is the envelope mirrored across processes on the backbone bus.
// Origin lets receivers skip their own publications.
type Message struct {
	Origin   string          `json:"origin"`
	Target   string          `json:"target"`
	TargetID string          `json:"targetId,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}

// Publisher mirrors a message to every other process. Implemented by the
// backbone adapter.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type Fanout struct {
	logger  *slog.Logger
	state   state.Manager
	metrics *observe.Metrics

	nodeID    string
	publisher Publisher // nil when running single-node
}

func New(logger *slog.Logger, st state.Manager, metrics *observe.Metrics) *Fanout {
	return &Fanout{
		logger:  logger.With(slog.String("component", "fanout")),
		state:   st,
		metrics: metrics,
		nodeID:  uuid.NewString(),
	}
}

// NodeID identifies this process on the backbone bus.
func (f *Fanout) NodeID() string {
	return f.nodeID
}

// SetPublisher attaches the cross-node bus. Must be called before the first
// connection is accepted.
func (f *Fanout) SetPublisher(p Publisher) {
	f.publisher = p
}

// EmitToUser delivers to the user's live connection, if any. A missing
// mapping means the user is offline; the event is silently dropped.
func (f *Fanout) EmitToUser(userID, kind string, payload any) {
	raw, frame, ok := f.encode(kind, payload)
	if !ok {
		return
	}
	f.deliverToUser(userID, frame)
	f.publish(Message{Target: TargetUser, TargetID: userID, Event: kind, Payload: raw})
}

// EmitToRoom delivers to every connection currently in the room.
func (f *Fanout) EmitToRoom(kind event.RoomKind, entityID, eventKind string, payload any) {
	if !kind.Valid() {
		f.logger.Warn("emit to unknown room kind", slog.String("kind", string(kind)))
		return
	}
	raw, frame, ok := f.encode(eventKind, payload)
	if !ok {
		return
	}
	roomKey := kind.Key(entityID)
	f.deliverToRoom(roomKey, frame)
	f.publish(Message{Target: TargetRoom, TargetID: roomKey, Event: eventKind, Payload: raw})
}

// Broadcast delivers to every connected party, cluster-wide when the
// backbone is attached.
func (f *Fanout) Broadcast(kind string, payload any) {
	raw, frame, ok := f.encode(kind, payload)
	if !ok {
		return
	}
	f.deliverToAll(frame, uuid.Nil)
	f.publish(Message{Target: TargetBroadcast, Event: kind, Payload: raw})
}

// BroadcastExcept behaves like Broadcast but skips one local connection.
// Used for presence events, which must not loop back to their subject. The
// excluded connection lives on this process, so remote delivery is a plain
// broadcast.
func (f *Fanout) BroadcastExcept(except uuid.UUID, kind string, payload any) {
	raw, frame, ok := f.encode(kind, payload)
	if !ok {
		return
	}
	f.deliverToAll(frame, except)
	f.publish(Message{Target: TargetBroadcast, Event: kind, Payload: raw})
}

// HandleRemote applies a bus message to local connections. Messages this
// process published are skipped; remote messages are never re-published.
func (f *Fanout) HandleRemote(msg Message) {
	if msg.Origin == f.nodeID {
		return
	}
	frame, err := event.Marshal(msg.Event, msg.Payload)
	if err != nil {
		f.logger.Error("failed to marshal remote event frame", slog.Any("error", err))
		return
	}
	switch msg.Target {
	case TargetUser:
		f.deliverToUser(msg.TargetID, frame)
	case TargetRoom:
		f.deliverToRoom(msg.TargetID, frame)
	case TargetBroadcast:
		f.deliverToAll(frame, uuid.Nil)
	default:
		f.logger.Warn("bus message with unknown target", slog.String("target", msg.Target))
	}
}

// --- local delivery ---

func (f *Fanout) deliverToUser(userID string, frame []byte) {
	conn, ok := f.state.UserConnection(userID)
	if !ok {
		f.metrics.EventDropped()
		return
	}
	conn.Link.Send(frame)
	f.metrics.EventDelivered(TargetUser, 1)
}

func (f *Fanout) deliverToRoom(roomKey string, frame []byte) {
	conns := f.state.RoomConnections(roomKey)
	if len(conns) == 0 {
		f.metrics.EventDropped()
		return
	}
	for _, conn := range conns {
		conn.Link.Send(frame)
	}
	f.metrics.EventDelivered(TargetRoom, len(conns))
}

func (f *Fanout) deliverToAll(frame []byte, except uuid.UUID) {
	delivered := 0
	for _, conn := range f.state.Connections() {
		if conn.ID == except {
			continue
		}
		conn.Link.Send(frame)
		delivered++
	}
	if delivered > 0 {
		f.metrics.EventDelivered(TargetBroadcast, delivered)
	}
}

func (f *Fanout) encode(kind string, payload any) (raw json.RawMessage, frame []byte, ok bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("failed to marshal event payload", slog.String("event", kind), slog.Any("error", err))
		return nil, nil, false
	}
	frame, err = json.Marshal(event.Envelope{Event: kind, Payload: raw})
	if err != nil {
		f.logger.Error("failed to marshal event frame", slog.String("event", kind), slog.Any("error", err))
		return nil, nil, false
	}
	return raw, frame, true
}

func (f *Fanout) publish(msg Message) {
	if f.publisher == nil {
		return
	}
	msg.Origin = f.nodeID
	if err := f.publisher.Publish(context.Background(), msg); err != nil {
		f.logger.Error("failed to publish event to backbone",
			slog.String("event", msg.Event),
			slog.String("target", msg.Target),
			slog.Any("error", err),
		)
	}
}
