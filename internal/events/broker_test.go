package events

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	ch := b.Subscribe("r1")
	other := b.Subscribe("r2")

	b.Publish("r1", Event{Type: RouteReordered, RouteID: "r1", Data: map[string]any{"x": 1}})
	got := receive(t, ch)
	assert.Equal(t, RouteReordered, got.Type)
	assert.Equal(t, 1, got.Data["x"])

	select {
	case evt := <-other:
		t.Fatalf("unexpected event on other route: %+v", evt)
	default:
	}

	b.Unsubscribe("r1", ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	b.Unsubscribe("r1", ch) // second call is a no-op
	b.Publish("r1", Event{Type: RouteReordered})
}

func TestMemoryPublishDoesNotBlock(t *testing.T) {
	b := NewMemory()
	ch := b.Subscribe("r1")
	for i := 0; i < 100; i++ {
		b.Publish("r1", Event{Type: RouteGenerated})
	}
	assert.Len(t, ch, cap(ch))
}

func TestRedisPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := NewRedis(rdb)

	ch := b.Subscribe("r1")
	b.Publish("r1", Event{Type: RouteRecalculated, RouteID: "r1", Data: map[string]any{"totalDistanceM": 1200}})
	got := receive(t, ch)
	assert.Equal(t, RouteRecalculated, got.Type)
	assert.Equal(t, "r1", got.RouteID)
	// JSON numbers decode as float64
	assert.Equal(t, float64(1200), got.Data["totalDistanceM"])

	b.Unsubscribe("r1", ch)
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}
