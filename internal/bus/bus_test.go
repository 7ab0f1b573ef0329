package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/segmentio/kafka-go"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		received := make(chan *domain.Message, 1)

		_, err := bus.Subscribe(ctx, domain.TopicDecisions, func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicDecisions, "evt-1", []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-received:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
			}
			if msg.Key != "evt-1" {
				t.Errorf("expected key 'evt-1', got '%s'", msg.Key)
			}
			if msg.Topic != domain.TopicDecisions {
				t.Errorf("expected topic %s, got %s", domain.TopicDecisions, msg.Topic)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var features, scores atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, domain.TopicFeatures, func(ctx context.Context, msg *domain.Message) error {
			features.Add(1)
			return nil
		})
		bus.Subscribe(ctx, domain.TopicScores, func(ctx context.Context, msg *domain.Message) error {
			scores.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, domain.TopicScores, "evt-2", []byte("s"))
		wg.Wait()
		time.Sleep(20 * time.Millisecond)

		if features.Load() != 0 {
			t.Errorf("features subscriber received %d messages", features.Load())
		}
		if scores.Load() != 1 {
			t.Errorf("expected 1 score message, got %d", scores.Load())
		}
	})

	t.Run("HandlerErrorDoesNotStopSubscription", func(t *testing.T) {
		var calls atomic.Int32
		done := make(chan struct{})

		bus.Subscribe(ctx, "flaky.topic", func(ctx context.Context, msg *domain.Message) error {
			if calls.Add(1) == 2 {
				close(done)
			}
			return errors.New("boom")
		})

		bus.Publish(ctx, "flaky.topic", "", []byte("1"))
		bus.Publish(ctx, "flaky.topic", "", []byte("2"))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("expected 2 handler calls, got %d", calls.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		sub, err := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
		if err := sub.Unsubscribe(); err != nil {
			t.Errorf("unsubscribe failed: %v", err)
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", "", []byte("data")); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed after close, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "rabbitmq",
		}

		if _, err := New(cfg); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestFromKafka(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("WithMessageID", func(t *testing.T) {
		msg := fromKafka(kafka.Message{
			Topic:     domain.TopicScores,
			Partition: 2,
			Offset:    41,
			Key:       []byte("evt-1"),
			Value:     []byte(`{}`),
			Time:      ts,
			Headers: []kafka.Header{
				{Key: headerMessageID, Value: []byte("m-1")},
				{Key: "source", Value: []byte("scorer")},
			},
		})
		if msg.ID != "m-1" || msg.Key != "evt-1" {
			t.Errorf("unexpected message %+v", msg)
		}
		if msg.Metadata["source"] != "scorer" || msg.Metadata["offset"] != "41" {
			t.Errorf("unexpected metadata %v", msg.Metadata)
		}
		if msg.Timestamp != ts.UnixNano() {
			t.Errorf("unexpected timestamp %d", msg.Timestamp)
		}
	})

	t.Run("DerivedID", func(t *testing.T) {
		msg := fromKafka(kafka.Message{Topic: "t", Partition: 1, Offset: 7})
		if msg.ID != "t/1/7" {
			t.Errorf("expected derived id t/1/7, got %s", msg.ID)
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", "", []byte("msg"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}
