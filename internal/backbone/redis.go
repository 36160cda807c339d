// Package backbone bridges room fan-out across server processes over redis
// pub/sub. Every process publishes its emits to one shared channel and
// applies foreign-origin messages to its own connections, so a room member
// on process A receives events emitted on process B.
package backbone

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/a-essam23/taskhive/internal/fanout"
	"github.com/a-essam23/taskhive/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Sink applies a bus message to local connections. Satisfied by
// *fanout.Fanout.
type Sink interface {
	HandleRemote(msg fanout.Message)
}

type Adapter struct {
	pub     *redis.Client
	sub     *redis.Client
	channel string
	logger  *slog.Logger
}

var _ fanout.Publisher = (*Adapter)(nil)

// New dials redis with separate publish and subscribe connections. An
// unreachable bus is fatal: a process must never accept connections with
// only partial fan-out capability.
func New(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Adapter, error) {
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password}
	pub := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	if err := pub.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("backbone: redis unreachable at %s: %w", cfg.Addr, err)
	}
	if err := sub.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("backbone: redis subscriber unreachable at %s: %w", cfg.Addr, err)
	}

	return &Adapter{
		pub:     pub,
		sub:     sub,
		channel: cfg.Channel,
		logger:  logger.With(slog.String("component", "backbone")),
	}, nil
}

// Start subscribes and begins feeding the sink. It blocks until the
// subscription is confirmed, so callers can sequence it before accepting
// the first inbound connection.
func (a *Adapter) Start(ctx context.Context, sink Sink) error {
	pubsub := a.sub.Subscribe(ctx, a.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("backbone: subscribe to %q failed: %w", a.channel, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var m fanout.Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				a.logger.Warn("discarding malformed bus message", slog.Any("error", err))
				continue
			}
			sink.HandleRemote(m)
		}
		a.logger.Info("backbone subscription closed")
	}()

	a.logger.Info("backbone attached", slog.String("channel", a.channel))
	return nil
}

func (a *Adapter) Publish(ctx context.Context, msg fanout.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return a.pub.Publish(ctx, a.channel, data).Err()
}

func (a *Adapter) Close() error {
	subErr := a.sub.Close()
	if err := a.pub.Close(); err != nil {
		return err
	}
	return subErr
}
