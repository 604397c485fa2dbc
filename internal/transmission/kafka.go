package transmission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/carbono-zero/co2-live/internal/session"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaConfig holds the settings for the Kafka transmitter.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	RequiredAcks int
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTransmitter appends session snapshots to a Kafka topic keyed by
// session id, so every session stays ordered within its partition.
type KafkaTransmitter struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	logger  *logrus.Logger
	healthy atomic.Bool
}

// NewKafkaTransmitter builds a transmitter backed by a kafka-go writer.
func NewKafkaTransmitter(cfg KafkaConfig, logger *logrus.Logger) (*KafkaTransmitter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		AllowAutoTopicCreation: true,
	}
	return newKafkaTransmitter(w, cfg, logger), nil
}

func newKafkaTransmitter(w messageWriter, cfg KafkaConfig, logger *logrus.Logger) *KafkaTransmitter {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := &KafkaTransmitter{writer: w, topic: cfg.Topic, timeout: timeout, logger: logger}
	t.healthy.Store(true)
	return t
}

// Transmit writes one snapshot as a JSON message.
func (t *KafkaTransmitter) Transmit(ctx context.Context, snap *session.Snapshot) error {
	if snap == nil {
		return nil
	}
	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(snap.SessionID),
		Value: value,
		Time:  snap.UpdatedAt,
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		t.healthy.Store(false)
		return fmt.Errorf("failed to write snapshot to kafka topic %s: %w", t.topic, err)
	}
	t.healthy.Store(true)

	t.logger.WithFields(logrus.Fields{
		"topic":      t.topic,
		"session_id": snap.SessionID,
	}).Debug("Wrote session snapshot to Kafka")
	return nil
}

// IsConnected reports whether the last write succeeded. kafka-go dials
// lazily, so there is no connection to inspect before the first write.
func (t *KafkaTransmitter) IsConnected() bool {
	return t.healthy.Load()
}

// Close flushes pending messages and releases the writer.
func (t *KafkaTransmitter) Close() error {
	return t.writer.Close()
}
