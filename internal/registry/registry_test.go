package registry_test

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
	"github.com/a-essam23/taskhive/pkg/event"
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

func (l *fakeLink) Close(err error) {}

func (l *fakeLink) events() []event.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Envelope, 0, len(l.frames))
	for _, frame := range l.frames {
		var env event.Envelope
		if err := json.Unmarshal(frame, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (l *fakeLink) received(kind string) bool {
	for _, env := range l.events() {
		if env.Event == kind {
			return true
		}
	}
	return false
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

type harness struct {
	state    *statemanager.InMemoryManager
	users    *directory.MemoryStore
	registry *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := newTestLogger()
	st := statemanager.NewInMemoryManager(logger)
	users := directory.NewMemoryStore()
	users.Put(&directory.User{ID: "u1", Email: "u1@example.com", IsActive: true, IsConfirmed: true})
	users.Put(&directory.User{ID: "u2", Email: "u2@example.com", IsActive: true, IsConfirmed: true})
	users.Put(&directory.User{ID: "inactive", Email: "off@example.com", IsActive: false, IsConfirmed: true})
	users.Put(&directory.User{ID: "unconfirmed", Email: "new@example.com", IsActive: true, IsConfirmed: false})

	reg := registry.New(logger, st, fakeVerifier{}, users, time.Second, nil)
	reg.SetAnnouncer(fanout.New(logger, st, nil))
	return &harness{state: st, users: users, registry: reg}
}

func (h *harness) connect(t *testing.T, token string) (*fakeLink, error) {
	t.Helper()
	link := newFakeLink()
	_, err := h.state.RegisterConnection(link, "127.0.0.1")
	require.NoError(t, err)
	_, authErr := h.registry.Authenticate(context.Background(), link.ID(), token)
	if authErr != nil {
		h.registry.Deregister(link.ID())
	}
	return link, authErr
}

func TestAuthenticateSuccess(t *testing.T) {
	h := newHarness(t)

	_, err := h.connect(t, "token-for:u1")
	require.NoError(t, err)

	require.True(t, h.registry.IsOnline("u1"))
	require.Equal(t, 1, h.registry.CountOnline())
	require.Contains(t, h.registry.ListOnline(), "u1")

	// last-seen write is fire-and-forget; wait for it.
	require.Eventually(t, func() bool {
		user, err := h.users.FindByID(context.Background(), "u1")
		return err == nil && !user.LastSeen.IsZero()
	}, time.Second, 10*time.Millisecond)
}

func TestAuthenticateRejections(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"invalid token", "garbage"},
		{"unknown user", "token-for:ghost"},
		{"inactive user", "token-for:inactive"},
		{"unconfirmed user", "token-for:unconfirmed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.connect(t, tc.token)
			require.Error(t, err)
			require.Zero(t, h.registry.CountOnline())
			require.Empty(t, h.registry.ListOnline())
		})
	}
}

func TestPresenceBroadcastExcludesSelf(t *testing.T) {
	h := newHarness(t)

	first, err := h.connect(t, "token-for:u1")
	require.NoError(t, err)

	second, err := h.connect(t, "token-for:u2")
	require.NoError(t, err)

	require.True(t, first.received(event.UserOnline), "existing connection should see u2 come online")
	require.False(t, second.received(event.UserOnline), "presence event must not loop back to its subject")

	// Payload carries the new user's identity.
	var payload event.PresenceOnline
	for _, env := range first.events() {
		if env.Event == event.UserOnline {
			require.NoError(t, json.Unmarshal(env.Payload, &payload))
		}
	}
	require.Equal(t, "u2", payload.UserID)
	require.Equal(t, "u2@example.com", payload.Email)
	require.True(t, payload.IsOnline)
	require.False(t, payload.LastSeen.IsZero())
}

func TestDeregisterBroadcastsOffline(t *testing.T) {
	h := newHarness(t)

	first, err := h.connect(t, "token-for:u1")
	require.NoError(t, err)
	second, err := h.connect(t, "token-for:u2")
	require.NoError(t, err)

	h.registry.Deregister(second.ID())

	require.False(t, h.registry.IsOnline("u2"))
	require.True(t, first.received(event.UserOffline))

	var payload event.PresenceOffline
	for _, env := range first.events() {
		if env.Event == event.UserOffline {
			require.NoError(t, json.Unmarshal(env.Payload, &payload))
		}
	}
	require.Equal(t, "u2", payload.UserID)
}

func TestStaleCloseDoesNotEvictSuccessor(t *testing.T) {
	h := newHarness(t)

	observer, err := h.connect(t, "token-for:u2")
	require.NoError(t, err)

	connA, err := h.connect(t, "token-for:u1")
	require.NoError(t, err)
	_, err = h.connect(t, "token-for:u1")
	require.NoError(t, err)

	// A's transport closes after B replaced its mapping.
	h.registry.Deregister(connA.ID())

	require.True(t, h.registry.IsOnline("u1"), "u1 must stay online through connection B")
	require.False(t, observer.received(event.UserOffline), "stale close must not broadcast user.offline")
}

func TestDeregisterUnauthenticatedIsNoOp(t *testing.T) {
	h := newHarness(t)

	link := newFakeLink()
	_, err := h.state.RegisterConnection(link, "127.0.0.1")
	require.NoError(t, err)

	h.registry.Deregister(link.ID())
	require.Zero(t, h.registry.CountOnline())

	// Unknown connection id is equally harmless.
	h.registry.Deregister(uuid.New())
}

func TestLastSeenWriteFailureDoesNotFailAuth(t *testing.T) {
	logger := newTestLogger()
	st := statemanager.NewInMemoryManager(logger)
	users := failingLastSeenStore{inner: directory.NewMemoryStore()}
	users.inner.Put(&directory.User{ID: "u1", Email: "u1@example.com", IsActive: true, IsConfirmed: true})

	reg := registry.New(logger, st, fakeVerifier{}, users, time.Second, nil)
	reg.SetAnnouncer(fanout.New(logger, st, nil))

	link := newFakeLink()
	_, err := st.RegisterConnection(link, "127.0.0.1")
	require.NoError(t, err)
	_, err = reg.Authenticate(context.Background(), link.ID(), "token-for:u1")
	require.NoError(t, err)
	require.True(t, reg.IsOnline("u1"))
}

type failingLastSeenStore struct {
	inner *directory.MemoryStore
}

func (s failingLastSeenStore) FindByID(ctx context.Context, id string) (*directory.User, error) {
	return s.inner.FindByID(ctx, id)
}

func (s failingLastSeenStore) UpdateLastSeen(context.Context, string, time.Time) error {
	return fmt.Errorf("directory write refused")
}
