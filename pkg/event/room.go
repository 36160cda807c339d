package event

// RoomKind namespaces room keys so project and task rooms for the same
// entity id never collide.
type RoomKind string

const (
	RoomProject RoomKind = "project"
	RoomTask    RoomKind = "task"
)

func (k RoomKind) Valid() bool {
	return k == RoomProject || k == RoomTask
}

// Key composes the room name for an entity, e.g. "project:663f…".
func (k RoomKind) Key(entityID string) string {
	return string(k) + ":" + entityID
}
