// Package config loads process configuration from defaults, an optional
// config file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	WorkerPoolSize   int           `mapstructure:"worker_pool_size"`
	MaxConnections   int           `mapstructure:"max_connections"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Driver       string        `mapstructure:"driver"` // postgres | memory
	DatabaseURL  string        `mapstructure:"database_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // empty keeps presence in-process
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	URL  string `mapstructure:"url"` // empty uses the in-process bus
	Name string `mapstructure:"name"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type NotifyConfig struct {
	Sink string `mapstructure:"sink"` // nats | kafka | none
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LimitsConfig struct {
	MessagesPerWindow int           `mapstructure:"messages_per_window"`
	MessageWindow     time.Duration `mapstructure:"message_window"`
	SwipesPerWindow   int           `mapstructure:"swipes_per_window"`
	SwipeWindow       time.Duration `mapstructure:"swipe_window"`
	ConnectsPerMinute int           `mapstructure:"connects_per_minute"`
	TypingPerSecond   float64       `mapstructure:"typing_per_second"`
	TypingBurst       int           `mapstructure:"typing_burst"`
}

// Config is the full process configuration.
type Config struct {
	Env       string          `mapstructure:"env"`
	Server    ServerConfig    `mapstructure:"server"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Limits    LimitsConfig    `mapstructure:"limits"`
}

// Development reports whether the process runs with development logging.
func (c *Config) Development() bool {
	return c.Env == "dev" || c.Env == "development"
}

var defaults = map[string]any{
	"env":                        "production",
	"server.listen_addr":         ":8080",
	"server.worker_pool_size":    256,
	"server.max_connections":     100000,
	"server.read_timeout":        10 * time.Second,
	"server.write_timeout":       10 * time.Second,
	"server.handshake_timeout":   5 * time.Second,
	"server.cors_origins":        []string{"*"},
	"heartbeat.interval":         30 * time.Second,
	"heartbeat.timeout":          10 * time.Second,
	"store.driver":               "postgres",
	"store.database_url":         "postgres://localhost:5432/matchcore?sslmode=disable",
	"store.timeout":              3 * time.Second,
	"store.max_open_conns":       25,
	"redis.addr":                 "",
	"redis.password":             "",
	"redis.db":                   0,
	"nats.url":                   "",
	"nats.name":                  "matchcore",
	"kafka.brokers":              []string{},
	"kafka.topic":                "notifications",
	"notify.sink":                "nats",
	"auth.issuer":                "",
	"limits.messages_per_window": 30,
	"limits.message_window":      10 * time.Second,
	"limits.swipes_per_window":   100,
	"limits.swipe_window":        time.Minute,
	"limits.connects_per_minute": 20,
	"limits.typing_per_second":   2.0,
	"limits.typing_burst":        4,
}

// Flat environment names kept for deployment compatibility. Every other key
// is reachable as MATCHCORE_<SECTION>_<KEY>.
var envAliases = map[string]string{
	"env":                      "LOG_ENV",
	"server.listen_addr":       "LISTEN_ADDR",
	"server.worker_pool_size":  "WORKER_POOL_SIZE",
	"server.max_connections":   "MAX_CONNECTIONS",
	"server.read_timeout":      "READ_TIMEOUT",
	"server.write_timeout":     "WRITE_TIMEOUT",
	"server.handshake_timeout": "HANDSHAKE_TIMEOUT",
	"store.driver":             "STORE_DRIVER",
	"store.database_url":       "DATABASE_URL",
	"store.timeout":            "STORE_TIMEOUT",
	"redis.addr":               "REDIS_ADDR",
	"nats.url":                 "NATS_URL",
	"kafka.brokers":            "KAFKA_BROKERS",
	"notify.sink":              "NOTIFY_SINK",
	"auth.jwt_secret":          "JWT_SECRET",
}

// Load builds a Config. path may be empty, in which case only defaults and
// the environment are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("MATCHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, "MATCHCORE_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	// Comma separated brokers arrive as a single element from the environment.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret (JWT_SECRET) is required")
	}
	if c.Server.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: server.worker_pool_size must be positive")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("config: server.max_connections must be positive")
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: store.database_url is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.Notify.Sink {
	case "nats", "none":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required for the kafka sink")
		}
	default:
		return fmt.Errorf("config: unknown notify sink %q", c.Notify.Sink)
	}
	return nil
}
