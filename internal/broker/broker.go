// Package broker carries settlement commands between the submission service and the settlement worker.
//
// Messages with the same key always land in the same partition and are handled one by one,
// so commands of one owner are settled in the order they were published.
package broker

import (
	"context"
	"time"
)

type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Handler processes one message
// Message is acknowledged after HandleMessage returns whatever the result is
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

type Publisher interface {
	// Publish value encoded as JSON and return where it was stored
	PublishJSON(ctx context.Context, topic, key string, value any) (partition int32, offset int64, err error)
	Close() error
}

type Subscriber interface {
	// Consume blocks until ctx is cancelled or unrecoverable error happens
	Consume(ctx context.Context, topics []string, handler Handler) error
	Close() error
}
