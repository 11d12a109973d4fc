// Command notifier persists notification requests published by the
// gateways. It consumes NATS (queue group, so replicas share the load) or
// Kafka, matching the sink the gateways were configured with.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/config"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/messaging"
	"github.com/emberapp/matchcore/internal/notify"
	"github.com/emberapp/matchcore/internal/store/postgres"
)

const queueGroup = "notifier"

func main() {
	configPath := flag.String("config", "", "optional config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Development())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.Named("notifier")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatalw("notifier exited", "error", err)
	}
	log.Info("notifier stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := postgres.Open(openCtx, postgres.Config{
		DatabaseURL:  cfg.Store.DatabaseURL,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()
	notifications := notify.NewStore(db)

	persist := func(ctx context.Context, data []byte) {
		n, err := notify.Decode(data)
		if err != nil {
			log.Warnw("discarding malformed notification", "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.Store.Timeout)
		defer cancel()
		id, err := notifications.Create(ctx, n)
		if err != nil {
			log.Errorw("persist notification", "user_id", n.UserID, "kind", n.Kind, "error", err)
			return
		}
		log.Debugw("notification stored", "id", id, "user_id", n.UserID, "kind", n.Kind)
	}

	log.Infow("notifier running", "sink", cfg.Notify.Sink)
	switch cfg.Notify.Sink {
	case "kafka":
		return consumeKafka(ctx, cfg.Kafka, persist, log)
	case "nats":
		return consumeNATS(ctx, cfg.NATS, persist, log)
	default:
		return fmt.Errorf("notifier: nothing to consume for sink %q", cfg.Notify.Sink)
	}
}

func consumeNATS(ctx context.Context, cfg config.NATSConfig, persist func(context.Context, []byte), log *zap.SugaredLogger) error {
	natsCfg := messaging.DefaultNATSConfig()
	if cfg.URL != "" {
		natsCfg.URL = cfg.URL
	}
	natsCfg.Name = cfg.Name + "-notifier"

	client, err := messaging.NewNATSClient(natsCfg, log)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer client.Close()

	err = client.QueueSubscribe(notify.SubjectCreate, queueGroup, func(msg *nats.Msg) {
		persist(ctx, msg.Data)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func consumeKafka(ctx context.Context, cfg config.KafkaConfig, persist func(context.Context, []byte), log *zap.SugaredLogger) error {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  queueGroup,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka: read: %w", err)
		}
		persist(ctx, msg.Value)
		log.Debugw("kafka offset", "partition", msg.Partition, "offset", msg.Offset)
	}
}
