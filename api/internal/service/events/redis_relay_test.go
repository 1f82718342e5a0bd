package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/ws"
)

func startRelay(t *testing.T) (*RedisRelay, *ws.Hub, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	hub := ws.NewHub()
	t.Cleanup(hub.Close)

	relay := NewRedisRelay(client, hub, "test:executions:", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- relay.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	select {
	case <-relay.Ready():
	case err := <-errCh:
		t.Fatalf("relay stopped early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}
	return relay, hub, srv
}

func TestRedisRelayForwardsInOrder(t *testing.T) {
	relay, _, _ := startRelay(t)

	sub := newChanSubscriber()
	relay.Subscribe("tok", sub)

	statuses := []domain.Status{domain.StatusRunning, domain.StatusRunning, domain.StatusSuccess, domain.StatusSuccess}
	kinds := []domain.EventKind{domain.EventExecutionUpdate, domain.EventStageUpdate, domain.EventStageUpdate, domain.EventExecutionUpdate}
	for i := range statuses {
		relay.Emit(context.Background(), domain.Event{Kind: kinds[i], ExecutionToken: "tok", StageName: "Build", Status: statuses[i]})
	}

	for i := range statuses {
		env := sub.next(t)
		if env.Event != string(kinds[i]) || env.Data["status"] != string(statuses[i]) {
			t.Fatalf("event %d: expected %s/%s, got %s/%v", i, kinds[i], statuses[i], env.Event, env.Data["status"])
		}
	}
}

func TestRedisRelayFallsBackToLocalHub(t *testing.T) {
	relay, _, srv := startRelay(t)

	sub := newChanSubscriber()
	relay.Subscribe("tok", sub)
	srv.Close()

	relay.Emit(context.Background(), domain.Event{Kind: domain.EventExecutionUpdate, ExecutionToken: "tok", Status: domain.StatusFailed})

	env := sub.next(t)
	if env.Data["status"] != "failed" {
		t.Fatalf("expected local delivery of failed event, got %v", env.Data)
	}
}
