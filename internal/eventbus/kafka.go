package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

const defaultKafkaTopic = "realtime-events"

// KafkaBus implements Bus on a single Kafka topic. The bus topic is the
// message key. Each process joins its own consumer group so every process
// sees every event, then demultiplexes locally by key.
type KafkaBus struct {
	producer *kafka.Producer
	consumer *kafka.Consumer
	local    *MemoryBus
	topic    string
	cfg      KafkaConfig

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewKafkaBus creates the producer, the per-process consumer and starts
// the consume loop.
func NewKafkaBus(cfg KafkaConfig, instanceID string, buffer int) (*KafkaBus, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = defaultKafkaTopic
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	k := &KafkaBus{
		producer: p,
		local:    NewMemoryBus(buffer),
		topic:    topic,
		cfg:      cfg,
		doneCh:   make(chan struct{}),
	}
	go k.deliveryReportHandler()

	if err := k.ensureTopic(); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("kafka_topic", topic).Msg("failed to ensure kafka topic (may already exist)")
	}

	prefix := cfg.GroupPrefix
	if prefix == "" {
		prefix = "realtime"
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       cfg.Brokers,
		"group.id":                fmt.Sprintf("%s-%s", prefix, sanitizeGroupID(instanceID)),
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		p.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	k.consumer = c

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.wg.Add(1)
	go k.consume(ctx)

	return k, nil
}

func (k *KafkaBus) ensureTopic() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.cfg.Partitions
	if partitions <= 0 {
		partitions = 8
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             k.topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", r.Topic, r.Error)
		}
	}
	return nil
}

// deliveryReportHandler processes delivery reports from the producer.
func (k *KafkaBus) deliveryReportHandler() {
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l := log.L()
			l.Error().Err(m.TopicPartition.Error).Str(log.FieldTopic, string(m.Key)).Msg("kafka delivery failed")
		}
	}
	close(k.doneCh)
}

// Publish produces the event keyed by topic.
func (k *KafkaBus) Publish(ctx context.Context, topic string, event *Event) error {
	ev := *event
	ev.Topic = topic
	data, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(topic),
		Value: data,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Subscribe registers a local subscription; no broker round trip.
func (k *KafkaBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	return k.local.Subscribe(ctx, topic)
}

// consume polls Kafka and forwards events to local subscribers.
func (k *KafkaBus) consume(ctx context.Context) {
	defer k.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev := k.consumer.Poll(500)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			var event Event
			if err := json.Unmarshal(e.Value, &event); err != nil {
				l := log.L()
				l.Warn().Err(err).Msg("dropping malformed kafka event")
				continue
			}
			if err := k.local.Publish(ctx, string(e.Key), &event); err != nil {
				return
			}

		case kafka.Error:
			l := log.L()
			l.Error().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("kafka consumer error")
			if e.IsFatal() {
				return
			}
		}
	}
}

// Close stops the consumer, ends local subscriptions and flushes the producer.
func (k *KafkaBus) Close() error {
	k.closeOnce.Do(func() {
		k.cancel()
		k.wg.Wait()
		k.consumer.Close()
		k.local.Close()

		k.producer.Flush(5000)
		k.producer.Close()
		<-k.doneCh
	})
	return nil
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitizeGroupID replaces characters not suitable for Kafka group IDs.
func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}
