package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
)

const (
	defaultMemoryPartitions = 8
	defaultPartitionBuffer  = 1024
)

var ErrBrokerClosed = errors.New("broker closed")

// Memory is in-process broker with kafka-like semantics:
// messages are spread over partitions by key hash, each partition is drained by one worker
type Memory struct {
	partitions int
	buffer     int

	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool

	logger  logger.Logger
	metrics *Metrics
}

type memoryTopic struct {
	consumed   bool
	partitions []*memoryPartition
}

type memoryPartition struct {
	mu     sync.Mutex
	offset int64
	ch     chan Message
}

func NewMemory(partitions int, l logger.Logger, metrics *Metrics) *Memory {
	if partitions <= 0 {
		partitions = defaultMemoryPartitions
	}

	return &Memory{
		partitions: partitions,
		buffer:     defaultPartitionBuffer,
		topics:     make(map[string]*memoryTopic),
		logger:     l.With("component", "memory-broker"),
		metrics:    metrics,
	}
}

func (m *Memory) topic(name string) (*memoryTopic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrBrokerClosed
	}

	t, ok := m.topics[name]
	if !ok {
		t = &memoryTopic{partitions: make([]*memoryPartition, m.partitions)}
		for i := range t.partitions {
			t.partitions[i] = &memoryPartition{ch: make(chan Message, m.buffer)}
		}
		m.topics[name] = t
	}

	return t, nil
}

func (m *Memory) partitionFor(key string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(m.partitions))
}

func (m *Memory) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	start := time.Now()
	partition, offset, err := m.publish(ctx, topic, key, value)
	m.metrics.ObservePublish(topic, err, time.Since(start))

	return partition, offset, err
}

func (m *Memory) publish(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal payload: %w", err)
	}

	t, err := m.topic(topic)
	if err != nil {
		return 0, 0, err
	}

	idx := m.partitionFor(key)
	p := t.partitions[idx]

	// Partition lock keeps offsets in the same order as messages in the channel
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := Message{
		Topic:     topic,
		Partition: idx,
		Offset:    p.offset,
		Key:       []byte(key),
		Value:     payload,
		Timestamp: time.Now().UTC(),
	}

	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case p.ch <- msg:
		p.offset++
	}

	m.logger.Debug("message published", "topic", topic, "partition", idx, "offset", msg.Offset)
	return idx, msg.Offset, nil
}

// Consume starts one worker per partition of every topic and blocks till ctx is done
// Topic may be consumed only once at a time
func (m *Memory) Consume(ctx context.Context, topics []string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	var claimed []*memoryTopic
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, t := range claimed {
			t.consumed = false
		}
	}
	defer release()

	for _, name := range topics {
		t, err := m.topic(name)
		if err != nil {
			return err
		}

		m.mu.Lock()
		busy := t.consumed
		t.consumed = true
		m.mu.Unlock()
		if busy {
			return fmt.Errorf("topic %q already consumed", name)
		}
		claimed = append(claimed, t)
	}

	var wg sync.WaitGroup
	for _, t := range claimed {
		for _, p := range t.partitions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.worker(ctx, p, handler)
			}()
		}
	}

	wg.Wait()
	m.logger.Debug("memory consumer stopped")
	return ctx.Err()
}

func (m *Memory) worker(ctx context.Context, p *memoryPartition, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.ch:
			err := handler.HandleMessage(ctx, msg)
			m.metrics.ObserveConsume(msg.Topic, err)
			if err != nil {
				m.logger.Error("message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			}
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
