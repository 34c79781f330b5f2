package config

import (
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/weiawesome/meow-realtime/internal/attachment"
	"github.com/weiawesome/meow-realtime/internal/auth"
	"github.com/weiawesome/meow-realtime/internal/cache"
	"github.com/weiawesome/meow-realtime/internal/eventbus"
	"github.com/weiawesome/meow-realtime/internal/hub"
	"github.com/weiawesome/meow-realtime/internal/presence"
	"github.com/weiawesome/meow-realtime/internal/ratelimit"
	"github.com/weiawesome/meow-realtime/internal/service"
	"github.com/weiawesome/meow-realtime/internal/store"
	pkgconfig "github.com/weiawesome/meow-realtime/pkg/config"
	"github.com/weiawesome/meow-realtime/pkg/log"
	"github.com/weiawesome/meow-realtime/pkg/storage"
)

const envPrefix = "MEOW"

type Config struct {
	Server     ServerConfig
	Admin      AdminConfig
	GRPC       GRPCConfig
	Instance   InstanceConfig
	WebSocket  hub.Config `mapstructure:"websocket"`
	Redis      RedisConfig
	EventBus   eventbus.Config `mapstructure:"eventbus"`
	Store      store.Config
	Cache      cache.Config
	Presence   presence.Config
	RateLimit  RateLimitConfig `mapstructure:"ratelimit"`
	Auth       auth.Config
	Storage    storage.Config
	Attachment attachment.Config
	Engine     service.Config
	Log        log.Config
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type AdminConfig struct {
	Host   string
	Port   int
	APIKey string `mapstructure:"api_key"`
}

type GRPCConfig struct {
	Host          string
	Port          int
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type InstanceConfig struct {
	ID        string
	MachineID int64 `mapstructure:"machine_id"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RateLimitConfig lists policy overrides. Action classes contain dots, so
// they are given as list entries rather than map keys.
type RateLimitConfig struct {
	Overrides []PolicyOverride `mapstructure:"policies"`
}

type PolicyOverride struct {
	Action   string
	Limit    int
	Window   time.Duration
	FailOpen bool `mapstructure:"fail_open"`
}

// Load reads config/config.yaml (optional), MEOW_* environment variables
// and the defaults below.
func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config", envPrefix)
	if err != nil {
		return nil, err
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Server.ShutdownTimeout = pkgconfig.Duration(v, "server.shutdown_timeout", 15*time.Second)
	cfg.GRPC.CheckInterval = pkgconfig.Duration(v, "grpc.check_interval", 10*time.Second)
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.WebSocket.IdleTimeout = pkgconfig.Duration(v, "websocket.idle_timeout", 5*time.Minute)
	cfg.WebSocket.IdleCheckInterval = pkgconfig.Duration(v, "websocket.idle_check_interval", 30*time.Second)
	cfg.WebSocket.HeartbeatInterval = pkgconfig.Duration(v, "presence.heartbeat_interval", 20*time.Second)
	cfg.Presence.SweepInterval = pkgconfig.Duration(v, "presence.sweep_interval", 15*time.Second)
	cfg.Presence.Timeout = pkgconfig.Duration(v, "presence.timeout", 60*time.Second)
	cfg.Cache.TTL = pkgconfig.Duration(v, "cache.ttl", 10*time.Minute)
	cfg.Auth.AccessTTL = pkgconfig.Duration(v, "auth.access_ttl", 30*time.Minute)
	cfg.Engine.DrainTimeout = pkgconfig.Duration(v, "engine.drain_timeout", 10*time.Second)
	cfg.Attachment.URLExpiry = pkgconfig.Duration(v, "attachment.url_expiry", 24*time.Hour)
	cfg.Store.Retry.InitialInterval = pkgconfig.Duration(v, "store.retry.initial_interval", 50*time.Millisecond)
	cfg.Store.Retry.MaxInterval = pkgconfig.Duration(v, "store.retry.max_interval", 500*time.Millisecond)
	cfg.Store.Cassandra.ConnectTimeout = pkgconfig.Duration(v, "store.cassandra.connect_timeout", 10*time.Second)
	cfg.Store.Cassandra.Timeout = pkgconfig.Duration(v, "store.cassandra.timeout", 5*time.Second)


	if cfg.Instance.ID == "" {
		cfg.Instance.ID, _ = os.Hostname()
	}
	cfg.WebSocket.InstanceID = cfg.Instance.ID
	cfg.Engine.InstanceID = cfg.Instance.ID
	cfg.Log.InstanceID = cfg.Instance.ID

	return &cfg, nil
}

// Policies overlays the configured overrides on the built-in policies.
// Overrides without an action, limit or window are ignored.
func (c RateLimitConfig) Policies() map[string]ratelimit.Policy {
	policies := ratelimit.DefaultPolicies()
	for _, o := range c.Overrides {
		if o.Action == "" || o.Limit <= 0 || o.Window <= 0 {
			continue
		}
		policies[o.Action] = ratelimit.Policy{Limit: o.Limit, Window: o.Window, FailOpen: o.FailOpen}
	}
	return policies
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("admin.host", "0.0.0.0")
	v.SetDefault("admin.port", 8081)
	v.SetDefault("admin.api_key", "")
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50060)
	v.SetDefault("grpc.check_interval", "10s")
	v.SetDefault("instance.machine_id", 1)

	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 16384)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.idle_timeout", "5m")
	v.SetDefault("websocket.idle_check_interval", "30s")
	v.SetDefault("websocket.max_watch", 200)
	v.SetDefault("websocket.lock_stripes", 64)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("eventbus.driver", "redis")
	v.SetDefault("eventbus.buffer", 100)
	v.SetDefault("eventbus.kafka.brokers", "localhost:9092")
	v.SetDefault("eventbus.kafka.topic", "meow-realtime-events")
	v.SetDefault("eventbus.kafka.group_prefix", "meow-realtime")
	v.SetDefault("eventbus.kafka.partitions", 8)

	v.SetDefault("store.driver", "gorm")
	v.SetDefault("store.database.driver", "sqlite")
	v.SetDefault("store.database.file_path", "./data/meow.db")
	v.SetDefault("store.database.host", "localhost")
	v.SetDefault("store.database.port", 5432)
	v.SetDefault("store.database.ssl_mode", "disable")
	v.SetDefault("store.database.max_idle_conns", 10)
	v.SetDefault("store.database.max_open_conns", 50)
	v.SetDefault("store.database.conn_max_lifetime", 30)
	v.SetDefault("store.database.log_level", "warn")
	v.SetDefault("store.cassandra.hosts", []string{"localhost"})
	v.SetDefault("store.cassandra.keyspace", "meow")
	v.SetDefault("store.cassandra.consistency", "quorum")
	v.SetDefault("store.cassandra.connect_timeout", "10s")
	v.SetDefault("store.cassandra.timeout", "5s")
	v.SetDefault("store.cassandra.num_conns", 2)
	v.SetDefault("store.cassandra.create_schema", false)
	v.SetDefault("store.retry.max_tries", 3)
	v.SetDefault("store.retry.initial_interval", "50ms")
	v.SetDefault("store.retry.max_interval", "500ms")

	v.SetDefault("cache.key_prefix", "participants")
	v.SetDefault("cache.ttl", "10m")

	v.SetDefault("presence.key_prefix", "presence")
	v.SetDefault("presence.sweep_interval", "15s")
	v.SetDefault("presence.timeout", "60s")
	v.SetDefault("presence.heartbeat_interval", "20s")

	v.SetDefault("auth.issuer", "meow")
	v.SetDefault("auth.access_ttl", "30m")

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local.base_path", "./uploads")
	v.SetDefault("storage.local.public_url", "/files")
	v.SetDefault("storage.s3.region", "us-east-1")

	v.SetDefault("attachment.max_size", 10<<20)
	v.SetDefault("attachment.key_prefix", "chat")
	v.SetDefault("attachment.url_expiry", "24h")

	v.SetDefault("engine.drain_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "meow-realtime")
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "PORT")
	v.BindEnv("admin.port", "ADMIN_PORT")
	v.BindEnv("admin.api_key", "ADMIN_API_KEY")
	v.BindEnv("grpc.port", "GRPC_PORT")
	v.BindEnv("instance.id", "INSTANCE_ID")
	v.BindEnv("instance.machine_id", "MACHINE_ID")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("eventbus.driver", "EVENTBUS_DRIVER")
	v.BindEnv("eventbus.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("store.database.driver", "DB_DRIVER")
	v.BindEnv("store.database.host", "DB_HOST")
	v.BindEnv("store.database.port", "DB_PORT")
	v.BindEnv("store.database.user", "DB_USER")
	v.BindEnv("store.database.password", "DB_PASSWORD")
	v.BindEnv("store.database.db_name", "DB_NAME")
	v.BindEnv("store.cassandra.hosts", "CASSANDRA_HOSTS")
	v.BindEnv("auth.secret", "JWT_SECRET", "SECRET_KEY")
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")
}
