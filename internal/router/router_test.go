package router_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/taskhive/internal/auth"
	"github.com/a-essam23/taskhive/internal/directory"
	"github.com/a-essam23/taskhive/internal/fanout"
	"github.com/a-essam23/taskhive/internal/registry"
	"github.com/a-essam23/taskhive/internal/rooms"
	"github.com/a-essam23/taskhive/internal/router"
	"github.com/a-essam23/taskhive/pkg/event"
	"github.com/a-essam23/taskhive/pkg/state"
	"github.com/a-essam23/taskhive/pkg/state/statemanager"
	"github.com/a-essam23/taskhive/pkg/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeLink struct {
	id uuid.UUID

	mu     sync.Mutex
	frames [][]byte
}

var _ transport.Link = (*fakeLink)(nil)

func newFakeLink() *fakeLink { return &fakeLink{id: uuid.New()} }

func (l *fakeLink) ID() uuid.UUID { return l.id }

func (l *fakeLink) Send(msg []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, msg)
}

func (l *fakeLink) Close(error) {}

func (l *fakeLink) count(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, frame := range l.frames {
		var env event.Envelope
		if json.Unmarshal(frame, &env) == nil && env.Event == kind {
			n++
		}
	}
	return n
}

func frame(t *testing.T, op string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(event.Envelope{Event: op, Payload: raw})
	require.NoError(t, err)
	return data
}

func setup(t *testing.T) (*statemanager.InMemoryManager, *router.MessageRouter, *fakeLink) {
	t.Helper()
	logger := newTestLogger()
	st := statemanager.NewInMemoryManager(logger)
	msgRouter := router.NewMessageRouter(logger, rooms.NewRouter(logger, st))

	link := newFakeLink()
	_, err := st.RegisterConnection(link, "127.0.0.1")
	require.NoError(t, err)
	_, err = st.BindPrincipal(link.ID(), &state.Principal{ID: "u1"})
	require.NoError(t, err)
	return st, msgRouter, link
}

func TestJoinProjectWithObjectPayload(t *testing.T) {
	st, msgRouter, link := setup(t)

	msgRouter.HandleMessage(context.Background(), link.ID(), frame(t, event.OpJoinProject, map[string]string{"id": "P1"}))

	require.Len(t, st.RoomConnections("project:P1"), 1)
}

func TestJoinTaskWithBareStringPayload(t *testing.T) {
	st, msgRouter, link := setup(t)

	msgRouter.HandleMessage(context.Background(), link.ID(), frame(t, event.OpJoinTask, "T9"))

	require.Len(t, st.RoomConnections("task:T9"), 1)
}

func TestLeaveProject(t *testing.T) {
	st, msgRouter, link := setup(t)

	msgRouter.HandleMessage(context.Background(), link.ID(), frame(t, event.OpJoinProject, map[string]string{"id": "P1"}))
	msgRouter.HandleMessage(context.Background(), link.ID(), frame(t, event.OpLeaveProject, map[string]string{"id": "P1"}))

	_, found := st.FindRoom("project:P1")
	require.False(t, found)
}

func TestMalformedAndUnknownFramesAreDropped(t *testing.T) {
	st, msgRouter, link := setup(t)

	msgRouter.HandleMessage(context.Background(), link.ID(), []byte("not json"))
	msgRouter.HandleMessage(context.Background(), link.ID(), frame(t, "task.teleport", map[string]string{"id": "T1"}))
	msgRouter.HandleMessage(context.Background(), link.ID(), frame(t, event.OpJoinProject, map[string]int{"count": 3}))

	_, found := st.FindRoom("project:")
	require.False(t, found)
	require.Empty(t, st.RoomConnections("project:T1"))
}

// fakeVerifier resolves "token-for:<id>" to <id>.
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	var subject string
	if _, err := fmt.Sscanf(token, "token-for:%s", &subject); err != nil {
		return "", auth.ErrInvalidToken
	}
	return subject, nil
}

// Full connect → join → emit → disconnect pass through the real registry,
// room router, message router, and fan-out.
func TestConnectJoinEmitDisconnect(t *testing.T) {
	logger := newTestLogger()
	st := statemanager.NewInMemoryManager(logger)
	fo := fanout.New(logger, st, nil)

	users := directory.NewMemoryStore()
	users.Put(&directory.User{ID: "U1", Email: "u1@example.com", IsActive: true, IsConfirmed: true})
	users.Put(&directory.User{ID: "U2", Email: "u2@example.com", IsActive: true, IsConfirmed: true})

	reg := registry.New(logger, st, fakeVerifier{}, users, time.Second, nil)
	reg.SetAnnouncer(fo)
	msgRouter := router.NewMessageRouter(logger, rooms.NewRouter(logger, st))

	connect := func(token string) *fakeLink {
		link := newFakeLink()
		_, err := st.RegisterConnection(link, "127.0.0.1")
		require.NoError(t, err)
		_, err = reg.Authenticate(context.Background(), link.ID(), token)
		require.NoError(t, err)
		return link
	}

	// Connect U1: presence reflects it.
	u1 := connect("token-for:U1")
	require.Contains(t, reg.ListOnline(), "U1")
	require.Equal(t, 1, reg.CountOnline())

	// A second party to observe presence events.
	u2 := connect("token-for:U2")

	// U1 joins project P1.
	msgRouter.HandleMessage(context.Background(), u1.ID(), frame(t, event.OpJoinProject, map[string]string{"id": "P1"}))

	// A business handler emits to the room; U1 receives it, U2 does not.
	fo.EmitToRoom(event.RoomProject, "P1", event.TaskCreated, map[string]string{"id": "T1", "title": "write tests"})
	require.Equal(t, 1, u1.count(event.TaskCreated))
	require.Zero(t, u2.count(event.TaskCreated))

	// U1 disconnects: gone from presence, U2 told.
	reg.Deregister(u1.ID())
	require.NotContains(t, reg.ListOnline(), "U1")
	require.Equal(t, 1, u2.count(event.UserOffline))
}
