package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/segmentio/kafka-go"
)

const (
	headerMessageID = "message-id"
	handlerAttempts = 3
)

// KafkaBus implements EventBus on Kafka.
// Messages are keyed so every record for one event lands on the same
// partition. Offsets are committed after the handler returns.
type KafkaBus struct {
	mu      sync.Mutex
	config  domain.EventBusConfig
	writers map[string]*kafka.Writer
	readers map[string]*kafkaSubscription
	closed  bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewKafkaBus creates a Kafka bus and checks that a broker is reachable.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.KafkaGroupID == "" {
		cfg.KafkaGroupID = "fraudops-decision"
	}
	if cfg.KafkaWriteTimeout == 0 {
		cfg.KafkaWriteTimeout = 10 * time.Second
	}
	if cfg.KafkaMinBytes == 0 {
		cfg.KafkaMinBytes = 1
	}
	if cfg.KafkaMaxBytes == 0 {
		cfg.KafkaMaxBytes = 10e6
	}

	b := &KafkaBus{
		config:  cfg,
		writers: make(map[string]*kafka.Writer),
		readers: make(map[string]*kafkaSubscription),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}

	slog.Info("Kafka connected", "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)
	return b, nil
}

func (b *KafkaBus) writer(topic string) (*kafka.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(b.config.KafkaBrokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           b.config.KafkaWriteTimeout,
		Compression:            kafka.Lz4,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w, nil
}

// Publish writes payload to topic, partitioned by key.
func (b *KafkaBus) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	w, err := b.writer(topic)
	if err != nil {
		return err
	}

	err = w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte(uuid.New().String())},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for topic.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.config.KafkaBrokers,
		GroupID:  b.config.KafkaGroupID,
		Topic:    topic,
		MinBytes: b.config.KafkaMinBytes,
		MaxBytes: b.config.KafkaMaxBytes,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.readers[sub.id] = sub

	go sub.consume(subCtx, handler)
	return sub, nil
}

func (s *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)

	backoff := 100 * time.Millisecond
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("kafka fetch failed", "topic", s.topic, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond

		msg := fromKafka(m)
		for attempt := 1; attempt <= handlerAttempts; attempt++ {
			err = handler(ctx, msg)
			if err == nil || !domain.Retryable(err) {
				break
			}
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if err != nil {
			slog.Error("handler error",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"message_id", msg.ID,
				"error", err,
			)
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Warn("kafka commit failed", "topic", s.topic, "offset", m.Offset, "error", err)
		}
	}
}

func fromKafka(m kafka.Message) *domain.Message {
	msg := &domain.Message{
		Key:       string(m.Key),
		Topic:     m.Topic,
		Payload:   m.Value,
		Metadata:  make(map[string]string, len(m.Headers)+2),
		Timestamp: m.Time.UnixNano(),
	}
	for _, h := range m.Headers {
		if h.Key == headerMessageID {
			msg.ID = string(h.Value)
			continue
		}
		msg.Metadata[h.Key] = string(h.Value)
	}
	if msg.ID == "" {
		msg.ID = m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10)
	}
	msg.Metadata["partition"] = strconv.Itoa(m.Partition)
	msg.Metadata["offset"] = strconv.FormatInt(m.Offset, 10)
	return msg
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.config.KafkaBrokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops every reader and flushes the writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	readers := b.readers
	writers := b.writers
	b.readers = make(map[string]*kafkaSubscription)
	b.writers = make(map[string]*kafka.Writer)
	b.mu.Unlock()

	var errs []error
	for _, sub := range readers {
		errs = append(errs, sub.Unsubscribe())
	}
	for _, w := range writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

// Unsubscribe stops the reader and waits for the consume loop to exit.
func (s *kafkaSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.reader.Close()
		<-s.done
	})
	return s.err
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
