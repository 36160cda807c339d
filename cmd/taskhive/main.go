package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/a-essam23/taskhive/internal/auth"
	"github.com/a-essam23/taskhive/internal/directory"
	"github.com/a-essam23/taskhive/internal/server"
	"github.com/a-essam23/taskhive/pkg/config"
	"github.com/a-essam23/taskhive/pkg/logging"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	users, cleanup, err := newUserDirectory(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to connect user directory", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()

	verifier := auth.NewJWTVerifier(cfg.Server.Auth.JWTSecret)

	app := server.NewApp(logger, ctx, cfg, verifier, users)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

func newUserDirectory(ctx context.Context, logger *slog.Logger, cfg *config.Config) (directory.Store, func(), error) {
	if cfg.Mongo.URI == "" {
		logger.Warn("No mongo.uri configured; using in-memory user directory")
		return directory.NewMemoryStore(), func() {}, nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Error("Failed to disconnect mongo client", slog.Any("error", err))
		}
	}
	return directory.NewMongoStore(client.Database(cfg.Mongo.Database)), cleanup, nil
}
