package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/delivery"
	"github.com/emberapp/matchcore/internal/logging"
)

// Bus carries delivery events over NATS so that a user's devices receive
// them whichever gateway instance they are connected to.
type Bus struct {
	client *NATSClient
	log    *zap.SugaredLogger
}

var _ delivery.Bus = (*Bus)(nil)

// NewBus creates a NATS-backed delivery bus.
func NewBus(client *NATSClient, log *zap.SugaredLogger) *Bus {
	return &Bus{client: client, log: logging.OrNop(log)}
}

func (b *Bus) Publish(_ context.Context, ev delivery.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal event: %w", err)
	}
	return b.client.Publish(DeliverSubject(ev.Group), data)
}

// Subscribe hands every delivery event published by any instance to fn.
func (b *Bus) Subscribe(fn func(delivery.Event)) error {
	return b.client.Subscribe(SubjectDeliver+".>", func(msg *nats.Msg) {
		var ev delivery.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warnw("discarding malformed delivery event", "subject", msg.Subject, "error", err)
			return
		}
		fn(ev)
	})
}
