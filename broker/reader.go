// Package broker wraps a segmentio/kafka-go Reader behind a narrow
// interface and drives the Consumer Loop: poll with the Adaptive
// Controller's current tuning, feed the Batcher, hand sealed batches to
// the Writer through a synchronous Submit call (at most one in flight),
// and commit offsets on success.
package broker

import (
	"context"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// Message is a single broker delivery, decoupled from kafka-go's type so
// the rest of the package doesn't import it directly.
type Message struct {
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       []byte
	Value     []byte
}

// Reader is the broker contract the Consumer Loop depends on: fetch the
// next message within a bounded wait, and commit offsets explicitly.
// Auto-commit is disabled; only explicit commits via CommitOffsets
// advance the consumer group's position.
type Reader interface {
	FetchMessage(ctx context.Context) (Message, error)
	CommitOffsets(ctx context.Context, offsets map[int32]int64) error
	SetMaxWait(d time.Duration)
	Close() error
}

// KafkaReader adapts kafka-go's Reader to the Reader interface.
type KafkaReader struct {
	r *kafka.Reader
}

// Config describes how to connect to the broker.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	MaxWait time.Duration
}

// NewKafkaReader creates a Reader backed by kafka-go, with auto-commit
// disabled: this package calls CommitMessages explicitly once a batch
// has been durably written, per spec.
func NewKafkaReader(cfg Config) *KafkaReader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MaxWait:        cfg.MaxWait,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // explicit commits only; no background auto-commit
	})
	return &KafkaReader{r: r}
}

func (k *KafkaReader) FetchMessage(ctx context.Context) (Message, error) {
	m, err := k.r.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Partition: int32(m.Partition),
		Offset:    m.Offset,
		Timestamp: m.Time,
		Key:       m.Key,
		Value:     m.Value,
	}, nil
}

// CommitOffsets commits the given per-partition offsets. kafka-go commits
// by message, so this constructs a synthetic message per partition at
// the covered offset.
func (k *KafkaReader) CommitOffsets(ctx context.Context, offsets map[int32]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(offsets))
	for partition, offset := range offsets {
		msgs = append(msgs, kafka.Message{
			Topic:     k.r.Config().Topic,
			Partition: int(partition),
			Offset:    offset,
		})
	}
	return k.r.CommitMessages(ctx, msgs...)
}

func (k *KafkaReader) SetMaxWait(d time.Duration) {
	// kafka-go's Reader does not expose a mutator for MaxWait post
	// construction; FetchMessage is called with a context deadline of d
	// instead, which achieves the same bound on poll_timeout.
}

func (k *KafkaReader) Close() error {
	return k.r.Close()
}
