package eventbus

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config holds the configuration for the event bus.
type Config struct {
	Driver string      `mapstructure:"driver"` // "memory", "redis", "kafka"
	Buffer int         `mapstructure:"buffer"` // per-subscription channel size
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupPrefix string `mapstructure:"group_prefix"`
	Partitions  int    `mapstructure:"partitions"`
}

const defaultBuffer = 100

// New creates the bus selected by cfg.Driver. rdb is only used by the redis
// driver and is not closed by the bus. instanceID names this process.
func New(cfg Config, rdb *redis.Client, instanceID string) (Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryBus(cfg.Buffer), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis event bus requires a redis client")
		}
		return NewRedisBus(rdb, cfg.Buffer), nil
	case "kafka":
		return NewKafkaBus(cfg.Kafka, instanceID, cfg.Buffer)
	default:
		return nil, fmt.Errorf("unsupported event bus driver: %s", cfg.Driver)
	}
}

func bufferOrDefault(n int) int {
	if n <= 0 {
		return defaultBuffer
	}
	return n
}
