// Package audit implements the optional applied-operation export: when
// configured with Kafka/Redpanda brokers, every applied operation is
// published to a topic for downstream analytics or compliance replay.
// Export is fire-and-forget and never gates the apply path.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Record is one exported audit entry: an applied operation's sequence
// number, the client that originated it, and its encoded wire frame.
type Record struct {
	Sequence uint64
	ClientID uint32
	Frame    []byte
}

// Exporter publishes applied-operation records to a Kafka/Redpanda topic.
type Exporter struct {
	client *kgo.Client
	topic  string
	log    *zap.Logger

	mu        sync.Mutex
	published uint64
	failed    uint64
}

// Config holds the exporter's broker connection settings.
type Config struct {
	Brokers []string
	Topic   string
}

// New creates an Exporter connected to cfg.Brokers, publishing to cfg.Topic.
func New(cfg Config, log *zap.Logger) (*Exporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("audit: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("audit: topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: create kafka client: %w", err)
	}

	return &Exporter{client: client, topic: cfg.Topic, log: log}, nil
}

// Publish asynchronously exports one applied operation. It never blocks the
// authority task's apply path: franz-go buffers and batches internally, a
// record that finds the buffer full fails at once instead of waiting, and
// delivery failures are only logged and counted.
func (e *Exporter) Publish(r Record) {
	key := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		key[i] = byte(r.Sequence)
		r.Sequence >>= 8
	}

	record := &kgo.Record{
		Topic: e.topic,
		Key:   key,
		Value: r.Frame,
	}

	e.client.TryProduce(context.Background(), record, func(_ *kgo.Record, err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			e.failed++
			e.log.Warn("audit export failed", zap.Error(err), zap.Uint32("client_id", r.ClientID))
			return
		}
		e.published++
	})
}

// Metrics returns the exporter's lifetime published/failed counts.
func (e *Exporter) Metrics() (published, failed uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published, e.failed
}

// Close flushes any buffered records and releases the client, waiting up to
// 5 seconds for in-flight publishes to complete.
func (e *Exporter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.client.Flush(ctx); err != nil {
		return fmt.Errorf("audit: flush on close: %w", err)
	}
	e.client.Close()
	return nil
}
