// Package registry authenticates inbound connections and owns the live
// presence directory. Every failure mode closes the connection the same way
// on the wire; the distinct reasons exist only in logs and metrics.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/taskhive/internal/auth"
	"github.com/a-essam23/taskhive/internal/directory"
	"github.com/a-essam23/taskhive/internal/observe"
	"github.com/a-essam23/taskhive/pkg/event"
	"github.com/a-essam23/taskhive/pkg/state"
	"github.com/google/uuid"
)

// Internal diagnostics only. The client never learns which case occurred.
var (
	errMissingToken    = errors.New("no credential token presented")
	errUnknownUser     = errors.New("token subject does not resolve to a user")
	errInactiveUser    = errors.New("user is inactive")
	errUnconfirmedUser = errors.New("user is not confirmed")
)

// Announcer pushes presence events to every other connected party.
// Satisfied by *fanout.Fanout.
type Announcer interface {
	BroadcastExcept(except uuid.UUID, kind string, payload any)
}

type Registry struct {
	logger   *slog.Logger
	state    state.Manager
	verifier auth.Verifier
	users    directory.Store
	metrics  *observe.Metrics

	announcer   Announcer
	authTimeout time.Duration
}

func New(logger *slog.Logger, st state.Manager, verifier auth.Verifier, users directory.Store, authTimeout time.Duration, metrics *observe.Metrics) *Registry {
	return &Registry{
		logger:      logger.With(slog.String("component", "connection_registry")),
		state:       st,
		verifier:    verifier,
		users:       users,
		metrics:     metrics,
		authTimeout: authTimeout,
	}
}

// SetAnnouncer wires the presence broadcast path. Must be called before the
// first connection is accepted.
func (r *Registry) SetAnnouncer(a Announcer) {
	r.announcer = a
}

// Authenticate promotes a registered connection to authenticated. On any
// failure the caller must close the transport without sending an error
// frame; the returned error is for server-side diagnostics only.
func (r *Registry) Authenticate(ctx context.Context, connID uuid.UUID, token string) (*state.Connection, error) {
	if token == "" {
		r.metrics.AuthFailure("missing_token")
		return nil, errMissingToken
	}

	ctx, cancel := context.WithTimeout(ctx, r.authTimeout)
	defer cancel()

	subjectID, err := r.verifier.Verify(ctx, token)
	if err != nil {
		r.metrics.AuthFailure("invalid_token")
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	user, err := r.users.FindByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			r.metrics.AuthFailure("unknown_user")
			return nil, fmt.Errorf("%w: %s", errUnknownUser, subjectID)
		}
		r.metrics.AuthFailure("directory_error")
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	if !user.IsActive {
		r.metrics.AuthFailure("inactive_user")
		return nil, fmt.Errorf("%w: %s", errInactiveUser, user.ID)
	}
	if !user.IsConfirmed {
		r.metrics.AuthFailure("unconfirmed_user")
		return nil, fmt.Errorf("%w: %s", errUnconfirmedUser, user.ID)
	}

	now := time.Now().UTC()

	// Index insertion happens before the broadcast: any presence query
	// racing the broadcast already sees the user online.
	conn, err := r.state.BindPrincipal(connID, &state.Principal{
		ID:      user.ID,
		Email:   user.Email,
		IsAdmin: user.IsAdmin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind principal: %w", err)
	}
	r.metrics.SetOnlineUsers(r.state.CountOnline())

	r.recordLastSeen(user.ID, now)

	if r.announcer != nil {
		r.announcer.BroadcastExcept(connID, event.UserOnline, event.PresenceOnline{
			UserID:   user.ID,
			Email:    user.Email,
			IsOnline: true,
			LastSeen: now,
		})
	}

	r.logger.Info("connection authenticated",
		slog.String("connID", connID.String()),
		slog.String("userID", user.ID),
	)
	return conn, nil
}

// Deregister removes a closed connection. For a never-authenticated
// connection this only drops transport state. The user.offline broadcast is
// sent only when the connection still owned its user's presence entry; a
// stale connection superseded by a newer login disappears silently.
func (r *Registry) Deregister(connID uuid.UUID) {
	conn, presenceCleared := r.state.DeregisterConnection(connID)
	if conn == nil || conn.Principal == nil {
		return
	}

	now := time.Now().UTC()
	r.recordLastSeen(conn.Principal.ID, now)
	r.metrics.SetOnlineUsers(r.state.CountOnline())

	if !presenceCleared {
		r.logger.Debug("stale connection closed without presence change",
			slog.String("connID", connID.String()),
			slog.String("userID", conn.Principal.ID),
		)
		return
	}

	if r.announcer != nil {
		r.announcer.BroadcastExcept(connID, event.UserOffline, event.PresenceOffline{
			UserID: conn.Principal.ID,
		})
	}
	r.logger.Info("user went offline",
		slog.String("connID", connID.String()),
		slog.String("userID", conn.Principal.ID),
	)
}

// --- presence queries ---

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.state.UserConnection(userID)
	return ok
}

func (r *Registry) ListOnline() []string {
	return r.state.OnlineUsers()
}

func (r *Registry) CountOnline() int {
	return r.state.CountOnline()
}

// recordLastSeen persists the timestamp without blocking the caller.
// Presence correctness does not depend on this write.
func (r *Registry) recordLastSeen(userID string, ts time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.users.UpdateLastSeen(ctx, userID, ts); err != nil {
			r.logger.Warn("failed to record last-seen timestamp",
				slog.String("userID", userID),
				slog.Any("error", err),
			)
		}
	}()
}
