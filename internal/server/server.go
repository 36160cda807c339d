package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/taskhive/internal/auth"
	"github.com/a-essam23/taskhive/internal/backbone"
	"github.com/a-essam23/taskhive/internal/directory"
	"github.com/a-essam23/taskhive/internal/fanout"
	"github.com/a-essam23/taskhive/internal/observe"
	"github.com/a-essam23/taskhive/internal/registry"
	"github.com/a-essam23/taskhive/internal/rooms"
	"github.com/a-essam23/taskhive/internal/router"
	"github.com/a-essam23/taskhive/internal/server/middleware"
	"github.com/a-essam23/taskhive/pkg/config"
	"github.com/a-essam23/taskhive/pkg/state"
	"github.com/a-essam23/taskhive/pkg/state/statemanager"
	"github.com/a-essam23/taskhive/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type App struct {
	logger       *slog.Logger
	config       *config.Config
	stateManager state.Manager
	registry     *registry.Registry
	fanout       *fanout.Fanout
	msgRouter    *router.MessageRouter
	metrics      *observe.Metrics
	bus          *backbone.Adapter
	wg           sync.WaitGroup
	http         *http.Server

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, verifier auth.Verifier, users directory.Store) *App {
	metrics := observe.New()
	stateManager := statemanager.NewInMemoryManager(logger)
	fo := fanout.New(logger, stateManager, metrics)
	reg := registry.New(logger, stateManager, verifier, users, cfg.Server.Auth.Timeout, metrics)
	reg.SetAnnouncer(fo)
	roomRouter := rooms.NewRouter(logger, stateManager)
	msgRouter := router.NewMessageRouter(logger, roomRouter)

	app := &App{
		logger:       logger,
		config:       cfg,
		stateManager: stateManager,
		registry:     reg,
		fanout:       fo,
		msgRouter:    msgRouter,
		metrics:      metrics,
		ctx:          rootCtx,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
		),
	)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Fanout exposes the emission API for the business handlers that push task,
// project, comment, and notification events.
func (a *App) Fanout() *fanout.Fanout {
	return a.fanout
}

// Registry exposes presence queries.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

func (a *App) Run() error {
	// The backbone must be live before the first connection is accepted; a
	// process with partial fan-out would silently drop cross-node events.
	if a.config.Redis.Enabled {
		bus, err := backbone.New(a.ctx, a.config.Redis, a.logger)
		if err != nil {
			return err
		}
		if err := bus.Start(a.ctx, a.fanout); err != nil {
			return err
		}
		a.bus = bus
		a.fanout.SetPublisher(bus)
	} else {
		a.logger.Warn("Backbone disabled; events reach this process's connections only")
	}

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// tokenFromRequest pulls the credential from the handshake: the dedicated
// auth.token query field wins, then a bearer Authorization header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("auth.token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ")
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))
	token := tokenFromRequest(r)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)

	stateConn, err := a.stateManager.RegisterConnection(conn, reqMeta.IP)
	if err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	a.metrics.ConnOpened()

	conn.SetOnMessageHandler(a.msgRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		a.registry.Deregister(id)
		a.metrics.ConnClosed()
	})

	// Authentication runs before the pumps start, so an unauthenticated
	// peer never gets a message processed. Failure closes the transport
	// with a plain closure; the reason stays in the logs.
	if _, err := a.registry.Authenticate(r.Context(), stateConn.ID, token); err != nil {
		connLogger.Warn("Connection rejected", slog.Any("error", err))
		conn.Close(nil)
		return
	}

	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.Connections() {
		conn.Link.Close(errors.New("graceful shutdown"))
	}
	a.wg.Wait()

	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Error("Failed to close backbone", slog.Any("error", err))
		}
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
