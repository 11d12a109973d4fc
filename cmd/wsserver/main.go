package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/api"
	"github.com/emberapp/matchcore/internal/auth"
	"github.com/emberapp/matchcore/internal/block"
	"github.com/emberapp/matchcore/internal/chat"
	"github.com/emberapp/matchcore/internal/config"
	"github.com/emberapp/matchcore/internal/delivery"
	"github.com/emberapp/matchcore/internal/discovery"
	"github.com/emberapp/matchcore/internal/gateway"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/messaging"
	"github.com/emberapp/matchcore/internal/metrics"
	"github.com/emberapp/matchcore/internal/notify"
	"github.com/emberapp/matchcore/internal/presence"
	"github.com/emberapp/matchcore/internal/ratelimit"
	"github.com/emberapp/matchcore/internal/store"
	"github.com/emberapp/matchcore/internal/store/memory"
	"github.com/emberapp/matchcore/internal/store/postgres"
	"github.com/emberapp/matchcore/internal/swipe"
	"github.com/emberapp/matchcore/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
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

	if err := run(cfg, log); err != nil {
		log.Fatalw("server exited", "error", err)
	}
}

// closer collects shutdown steps, run in reverse order.
type closer []func()

func (c *closer) add(fn func()) { *c = append(*c, fn) }

func (c closer) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var cleanup closer
	defer cleanup.run()

	log.Infow("matchcore gateway starting",
		"listen_addr", cfg.Server.ListenAddr,
		"worker_pool", cfg.Server.WorkerPoolSize,
		"max_connections", cfg.Server.MaxConnections,
		"store", cfg.Store.Driver,
		"redis", cfg.Redis.Addr,
		"nats", cfg.NATS.URL,
		"notify_sink", cfg.Notify.Sink,
	)

	// --- Store ---
	st, err := openStore(cfg, log, &cleanup)
	if err != nil {
		return err
	}

	// --- Redis: presence counters and shared rate limits ---
	var (
		tracker presence.Tracker  = presence.NewRegistry()
		limiter ratelimit.Checker = ratelimit.NewLocal()
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
		}
		cleanup.add(func() { _ = rdb.Close() })
		tracker = presence.NewRedisCounter(rdb)
		limiter = ratelimit.NewLimiter(rdb, log)
	} else {
		log.Warn("redis disabled; presence and rate limits are local to this instance")
	}

	// --- NATS: cross-instance delivery ---
	var natsClient *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = cfg.NATS.Name
		natsClient, err = messaging.NewNATSClient(natsCfg, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		cleanup.add(natsClient.Close)
	}

	// --- Notifications ---
	notifier := buildNotifier(cfg, natsClient, log, &cleanup)

	// --- Services ---
	gate := block.NewGate(st, log)
	discover := discovery.NewService(st, log)
	swipes := swipe.NewService(st, gate, notifier, log)
	conversations := chat.NewService(st, gate, log)

	// --- WebSocket server ---
	serverCfg := ws.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.Server.ListenAddr
	serverCfg.WorkerPoolSize = cfg.Server.WorkerPoolSize
	serverCfg.MaxConnections = cfg.Server.MaxConnections
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.HandshakeTimeout = cfg.Server.HandshakeTimeout

	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	dispatcher := ws.NewMessageDispatcher(nil, log)
	server := ws.NewServer(serverCfg, verifier, dispatcher.Dispatch, log)
	dispatcher.SetSender(server)

	// --- Delivery bus ---
	var bus delivery.Bus
	var subscribe func(fn func(delivery.Event)) error
	if natsClient != nil {
		b := messaging.NewBus(natsClient, log)
		bus, subscribe = b, b.Subscribe
	} else {
		b := delivery.NewLocalBus()
		bus = b
		subscribe = func(fn func(delivery.Event)) error {
			b.Subscribe(fn)
			return nil
		}
	}
	pipeline := delivery.NewPipeline(conversations, bus, tracker, st, notifier, log)

	limits := gateway.Limits{
		Message: ratelimit.Rule{Key: ratelimit.RuleMessage.Key, Limit: cfg.Limits.MessagesPerWindow, Window: cfg.Limits.MessageWindow},
		Typing:  ratelimit.RuleFromRate("rl:typing:", cfg.Limits.TypingPerSecond, cfg.Limits.TypingBurst),
	}
	gw := gateway.New(server, pipeline, tracker, st, limiter, limits, log)
	gw.Register(dispatcher)
	if err := subscribe(gw.Deliver); err != nil {
		return fmt.Errorf("delivery: subscribe: %w", err)
	}
	server.SetOnConnect(gw.OnConnect)
	server.SetOnDisconnect(gw.OnDisconnect)
	server.SetOnHeartbeat(gw.OnHeartbeat)
	server.SetConnectLimiter(limiter, ratelimit.Rule{
		Key:    ratelimit.RuleConnect.Key,
		Limit:  cfg.Limits.ConnectsPerMinute,
		Window: time.Minute,
	})
	server.SetHeartbeat(ws.HeartbeatConfig{
		Interval: cfg.Heartbeat.Interval,
		Timeout:  cfg.Heartbeat.Timeout,
	})

	// --- HTTP API ---
	router := api.NewRouter(api.Services{
		Auth:        verifier,
		Discovery:   discover,
		Swipes:      swipes,
		Blocks:      gate,
		Pipeline:    pipeline,
		Limiter:     limiter,
		SwipeRule:   ratelimit.Rule{Key: ratelimit.RuleSwipe.Key, Limit: cfg.Limits.SwipesPerWindow, Window: cfg.Limits.SwipeWindow},
		MessageRule: limits.Message,
	}, api.Options{CORSOrigins: cfg.Server.CORSOrigins}, log)
	server.Mount("/metrics", metrics.Handler())
	server.Mount("/v1/", router)

	// Graceful shutdown.
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnw("shutdown error", "error", err)
	}
	return nil
}

func openStore(cfg *config.Config, log *zap.SugaredLogger, cleanup *closer) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using the in-memory store; data is lost on restart")
		return memory.New(), nil
	}

	if err := postgres.Migrate(cfg.Store.DatabaseURL); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := postgres.Open(ctx, postgres.Config{
		DatabaseURL:  cfg.Store.DatabaseURL,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	cleanup.add(func() { _ = db.Close() })
	return postgres.New(db, cfg.Store.Timeout, log), nil
}

// buildNotifier puts a circuit breaker in front of the configured sink and
// detaches it from request latency.
func buildNotifier(cfg *config.Config, nc *messaging.NATSClient, log *zap.SugaredLogger, cleanup *closer) notify.Notifier {
	var sink notify.Notifier
	switch cfg.Notify.Sink {
	case "kafka":
		k := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup.add(func() {
			if err := k.Close(); err != nil {
				log.Warnw("kafka writer close", "error", err)
			}
		})
		sink = k
	case "nats":
		if nc == nil {
			log.Warn("notify sink is nats but nats.url is empty; notifications disabled")
			return notify.Nop{}
		}
		sink = notify.NewNATSSink(nc)
	default:
		return notify.Nop{}
	}

	async := notify.NewAsync(notify.NewBreaker("notify-"+cfg.Notify.Sink, sink, notify.DefaultBreakerConfig(), log), 5*time.Second, log)
	cleanup.add(async.Wait)
	return async
}
