package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
)

const consumeRetryInterval = 2 * time.Second

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   logger.Logger
	metrics  *Metrics
}

// NewKafkaProducer creates idempotent producer that waits for all in-sync replicas
func NewKafkaProducer(brokers []string, l logger.Logger, metrics *Metrics) (*KafkaProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return newKafkaProducer(producer, l, metrics), nil
}

func newKafkaProducer(producer sarama.SyncProducer, l logger.Logger, metrics *Metrics) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		logger:   l.With("component", "kafka-producer"),
		metrics:  metrics,
	}
}

func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	p.metrics.ObservePublish(topic, err, time.Since(start))
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "error", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}

	p.logger.Debug("kafka message published", "topic", topic, "partition", partition, "offset", offset)
	return partition, offset, nil
}

func (p *KafkaProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

type KafkaConsumer struct {
	group   sarama.ConsumerGroup
	logger  logger.Logger
	metrics *Metrics
}

func NewKafkaConsumer(brokers []string, groupID string, l logger.Logger, metrics *Metrics) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return newKafkaConsumer(group, l, metrics), nil
}

// newKafkaConsumer drains group errors until the group is closed
func newKafkaConsumer(group sarama.ConsumerGroup, l logger.Logger, metrics *Metrics) *KafkaConsumer {
	c := &KafkaConsumer{
		group:   group,
		logger:  l.With("component", "kafka-consumer"),
		metrics: metrics,
	}

	go func() {
		for err := range group.Errors() {
			c.metrics.IncConsumerError()
			c.logger.Error("kafka consumer group error", "error", err)
		}
	}()

	return c
}

func (c *KafkaConsumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler: handler,
		logger:  c.logger,
		metrics: c.metrics,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(consumeRetryInterval):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *KafkaConsumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

// consumerGroupHandler hands claimed messages to Handler one by one
// Sarama runs one ConsumeClaim per partition, so per-key ordering is kept
type consumerGroupHandler struct {
	handler Handler
	logger  logger.Logger
	metrics *Metrics
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), fromSarama(msg))
		h.metrics.ObserveConsume(msg.Topic, err)
		if err != nil {
			h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func fromSarama(msg *sarama.ConsumerMessage) Message {
	return Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
}
