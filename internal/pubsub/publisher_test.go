package pubsub

import (
	"context"
	"os"
	"testing"
	"time"

	"locketwan/internal/config"

	ps "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

func TestNewPublisherInvalidProject(t *testing.T) {
	cfg := &config.Config{GCPProjectID: ""}
	if _, err := NewPublisher(context.Background(), cfg); err == nil {
		t.Fatal("expected error when project ID is empty")
	}
}

func TestNewSelectsPublisher(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	p, topic, err := New(ctx, &config.Config{FlagPublisher: "none"}, logger)
	if err != nil {
		t.Fatalf("none publisher: %v", err)
	}
	if _, ok := p.(*NoopPublisher); !ok || topic != "" {
		t.Fatalf("expected noop publisher without topic, got %T %q", p, topic)
	}

	p, topic, err = New(ctx, &config.Config{FlagPublisher: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaFlagTopic: "usage.flags"}, logger)
	if err != nil {
		t.Fatalf("kafka publisher: %v", err)
	}
	defer p.Close()
	if _, ok := p.(*KafkaPublisher); !ok || topic != "usage.flags" {
		t.Fatalf("expected kafka publisher on usage.flags, got %T %q", p, topic)
	}

	if _, _, err := New(ctx, &config.Config{FlagPublisher: "carrier-pigeon"}, logger); err == nil {
		t.Fatal("expected error for unknown publisher")
	}
}

func TestNoopPublisherReturnsID(t *testing.T) {
	p := NewNoopPublisher(zerolog.Nop())
	id, err := p.Publish(context.Background(), "", []byte(`{"userId":"u1"}`))
	if err != nil || id == "" {
		t.Fatalf("expected id and no error, got %q %v", id, err)
	}
}

func TestPublishWithEmulator(t *testing.T) {
	emulator := os.Getenv("PUBSUB_EMULATOR_HOST")
	if emulator == "" {
		t.Skip("PUBSUB_EMULATOR_HOST is not set, skip emulator integration test")
	}

	ctx := context.Background()
	cfg := &config.Config{GCPProjectID: "test-project"}
	pub, err := NewPublisher(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create PubSubPublisher: %v", err)
	}
	defer pub.Close()

	topicName := "usage-flags-test"
	topic, err := pub.client.CreateTopic(ctx, topicName)
	if err != nil {
		t.Fatalf("failed to create topic: %v", err)
	}
	sub, err := pub.client.CreateSubscription(ctx, "usage-flags-test-sub", ps.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}

	msgID, err := pub.Publish(ctx, topicName, []byte(`{"userId":"u1"}`))
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if msgID == "" {
		t.Fatal("expected non-empty message ID")
	}

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c := make(chan []byte, 1)
	go func() {
		sub.Receive(recvCtx, func(ctx context.Context, m *ps.Message) {
			c <- m.Data
			m.Ack()
			cancel()
		})
	}()

	select {
	case data := <-c:
		if string(data) != `{"userId":"u1"}` {
			t.Fatalf("unexpected message data %q", string(data))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message from emulator subscription")
	}
}
