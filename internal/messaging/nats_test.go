package messaging

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberapp/matchcore/internal/delivery"
)

func TestDeliverSubject(t *testing.T) {
	tests := []struct {
		group string
		want  string
	}{
		{delivery.UserGroup("42"), "deliver.user.42"},
		{delivery.ChatGroup("c-1"), "deliver.chat.c-1"},
		{delivery.UserGroup("a.b"), "deliver.user.a_b"},
		{delivery.UserGroup(">"), "deliver.user._"},
		{delivery.UserGroup(""), "deliver.user._"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeliverSubject(tt.group), tt.group)
	}
}

func natsClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg, nil)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestBusRoundTrip(t *testing.T) {
	c := natsClient(t)
	bus := NewBus(c, nil)

	got := make(chan delivery.Event, 1)
	require.NoError(t, bus.Subscribe(func(ev delivery.Event) { got <- ev }))
	require.NoError(t, c.conn.Flush())

	want := delivery.Event{Group: delivery.UserGroup("u1"), Type: "pong", Data: []byte(`{"type":"pong"}`)}
	require.NoError(t, bus.Publish(context.Background(), want))

	select {
	case ev := <-got:
		assert.Equal(t, want.Group, ev.Group)
		assert.Equal(t, want.Type, ev.Type)
		assert.JSONEq(t, string(want.Data), string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}
