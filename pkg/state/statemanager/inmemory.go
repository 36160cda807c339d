package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/taskhive/pkg/state"
	"github.com/a-essam23/taskhive/pkg/transport"
	"github.com/google/uuid"
)

// InMemoryManager holds all connection, presence, and room state for one
// process behind a single lock.
type InMemoryManager struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]*state.Connection
	byUser map[string]*state.Connection
	rooms  map[string]*state.Room

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		byUser: make(map[string]*state.Connection),
		rooms:  make(map[string]*state.Room),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(link transport.Link, ipAddr string) (*state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := link.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	conn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Link:      link,
		CreatedAt: time.Now(),
		Rooms:     make(map[string]struct{}),
	}
	m.conns[connID] = conn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return conn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, false
	}
	delete(m.conns, connID)

	for roomKey := range conn.Rooms {
		m.removeMemberLocked(conn, roomKey)
	}

	// Only clear the presence entry that this connection owns. A newer
	// connection for the same user may have taken over the mapping.
	cleared := false
	if conn.Principal != nil {
		if current, ok := m.byUser[conn.Principal.ID]; ok && current == conn {
			delete(m.byUser, conn.Principal.ID)
			cleared = true
		}
	}

	m.logger.Debug("Connection deregistered",
		slog.String("connID", connID.String()),
		slog.Bool("presenceCleared", cleared),
	)
	return conn, cleared
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) Connections() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// --- Presence Index ---

func (m *InMemoryManager) BindPrincipal(connID uuid.UUID, principal *state.Principal) (*state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, errors.New("cannot bind principal to unknown connection")
	}
	if conn.Principal != nil {
		return nil, errors.New("connection is already authenticated")
	}

	conn.Principal = principal
	// Last writer wins: an earlier connection for the same user keeps its
	// transport open but loses the presence mapping.
	m.byUser[principal.ID] = conn

	m.logger.Debug("Principal bound to connection",
		slog.String("connID", connID.String()),
		slog.String("userID", principal.ID),
	)
	return conn, nil
}

func (m *InMemoryManager) UserConnection(userID string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.byUser[userID]
	return conn, ok
}

func (m *InMemoryManager) OnlineUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.byUser))
	for id := range m.byUser {
		users = append(users, id)
	}
	return users
}

func (m *InMemoryManager) CountOnline() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser)
}

// --- Room Membership ---

func (m *InMemoryManager) Join(connID uuid.UUID, roomKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return errors.New("cannot join room: connection not found")
	}
	if _, member := conn.Rooms[roomKey]; member {
		return nil
	}

	room, exists := m.rooms[roomKey]
	if !exists {
		room = &state.Room{
			Key:     roomKey,
			Members: make(map[uuid.UUID]*state.Connection),
		}
		m.rooms[roomKey] = room
	}

	room.Members[connID] = conn
	conn.Rooms[roomKey] = struct{}{}

	m.logger.Debug("Connection joined room", slog.String("connID", connID.String()), slog.String("room", roomKey))
	return nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, roomKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil // connection already gone, nothing to leave
	}
	if _, member := conn.Rooms[roomKey]; !member {
		return nil
	}

	delete(conn.Rooms, roomKey)
	m.removeMemberLocked(conn, roomKey)

	m.logger.Debug("Connection left room", slog.String("connID", connID.String()), slog.String("room", roomKey))
	return nil
}

func (m *InMemoryManager) RoomConnections(roomKey string) []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomKey]
	if !ok {
		return nil
	}
	conns := make([]*state.Connection, 0, len(room.Members))
	for _, c := range room.Members {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryManager) FindRoom(roomKey string) (*state.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomKey]
	return room, ok
}

// removeMemberLocked drops a connection from a room and removes the room
// once empty. Caller holds m.mu.
func (m *InMemoryManager) removeMemberLocked(conn *state.Connection, roomKey string) {
	room, ok := m.rooms[roomKey]
	if !ok {
		return
	}
	delete(room.Members, conn.ID)
	if len(room.Members) == 0 {
		delete(m.rooms, roomKey)
		m.logger.Debug("Removed empty room", slog.String("room", roomKey))
	}
}
