package domain

import (
	"context"
	"time"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community), NATS or Kafka (Pro).
type EventBus interface {
	// Publish sends a message to a topic. key orders messages for one event.
	Publish(ctx context.Context, topic string, key string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
	NATSQueueGroup    string

	// Kafka settings (Pro tier)
	KafkaBrokers      []string
	KafkaGroupID      string
	KafkaWriteTimeout time.Duration
	KafkaMinBytes     int
	KafkaMaxBytes     int
}

// Topic names for the decision pipeline.
const (
	TopicFeatures  = "features.online.v1"
	TopicScores    = "alerts.scores.v1"
	TopicDecisions = "alerts.decisions.v1"
)

// ScoreMessage is the payload of TopicScores.
type ScoreMessage struct {
	EventID    string             `json:"event_id"`
	EntityID   string             `json:"entity_id"`
	Components map[string]float64 `json:"scores"`
	Features   *FeatureVector     `json:"features,omitempty"`
	Signals    map[string]bool    `json:"signals,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}
