package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/ws"
)

const publishTimeout = 250 * time.Millisecond

// RedisRelay publishes events to Redis so every API instance can forward them
// to its own websocket and SSE subscribers. Each instance runs Run to receive.
type RedisRelay struct {
	client    *redis.Client
	hub       *ws.Hub
	logger    *slog.Logger
	prefix    string
	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// NewRedisRelay constructs a relay publishing on channels named prefix+token.
func NewRedisRelay(client *redis.Client, hub *ws.Hub, prefix string, logger *slog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = "peep:executions:"
	}
	return &RedisRelay{
		client: client,
		hub:    hub,
		logger: logger.With("component", "event_relay"),
		prefix: prefix,
		ready:  make(chan struct{}),
	}
}

// Emit publishes event. When Redis is unreachable the event is delivered to
// local subscribers only.
func (r *RedisRelay) Emit(ctx context.Context, event domain.Event) {
	data, err := Marshal(event)
	if err != nil {
		r.logger.Warn("failed to marshal execution event", "execution_id", event.ExecutionToken, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.prefix+event.ExecutionToken, data).Err(); err != nil {
		r.logger.Warn("redis publish failed, delivering locally", "execution_id", event.ExecutionToken, "error", err)
		r.hub.Broadcast(event.ExecutionToken, data)
	}
}

// Subscribe adds an observer to an execution's scope on this instance.
func (r *RedisRelay) Subscribe(token string, sub ws.Subscriber) {
	r.hub.Register(token, sub)
}

// Unsubscribe removes an observer from an execution's scope on this instance.
func (r *RedisRelay) Unsubscribe(token string, sub ws.Subscriber) {
	r.hub.Unregister(token, sub)
}

// Ready is closed once the relay's pattern subscription is active.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run forwards published events to the local hub until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return err
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("event relay subscribed", "pattern", r.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("event relay stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			token := strings.TrimPrefix(msg.Channel, r.prefix)
			if token == "" {
				continue
			}
			r.hub.Broadcast(token, []byte(msg.Payload))
		}
	}
}
