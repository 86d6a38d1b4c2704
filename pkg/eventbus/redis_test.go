package eventbus

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func requireRedisClient(tb testing.TB) redis.UniversalClient {
	tb.Helper()

	addr := os.Getenv("SAGAFLOW_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		tb.Skipf("redis is not available at %s: %v", addr, err)
	}

	tb.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestRedisTransportPublishSubscribe(t *testing.T) {
	client := requireRedisClient(t)
	transport, err := NewRedisTransport(client)
	if err != nil {
		t.Fatalf("NewRedisTransport() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stream, err := transport.Subscribe(ctx, SagaWildcardSubject("redis-test"), 8)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer stream.Close()

	publisher, err := NewPublisher("node-redis", transport, DefaultRetryConfig(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	if _, err := publisher.Publish(ctx, SagaEvent{SagaID: "s-redis", SagaType: "redis-test", EventType: EventCompleted}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-stream.C():
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			t.Fatalf("json.Unmarshal() error = %v", err)
		}
		if env.SagaID != "s-redis" || msg.Subject != SagaSubject("redis-test", EventCompleted) {
			t.Fatalf("unexpected message %s: %+v", msg.Subject, env)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for redis message")
	}

	if !transport.Healthy(ctx) {
		t.Fatal("expected healthy transport")
	}
}

func TestRedisTransportFiltersAcrossSeparators(t *testing.T) {
	client := requireRedisClient(t)
	transport, err := NewRedisTransport(client)
	if err != nil {
		t.Fatalf("NewRedisTransport() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// The Redis glob for this pattern also matches deeper channels.
	stream, err := transport.Subscribe(ctx, "sagaflow.v1.saga.*."+EventFailed, 8)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer stream.Close()

	if err := transport.Publish(ctx, "sagaflow.v1.saga.a.b."+EventFailed, []byte("deep")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := transport.Publish(ctx, SagaSubject("order", EventFailed), []byte("flat")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-stream.C():
		if string(msg.Payload) != "flat" {
			t.Fatalf("expected only the single-token match, got %s", msg.Subject)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for redis message")
	}
}

func TestNewRedisTransportValidation(t *testing.T) {
	if _, err := NewRedisTransport(nil); err == nil {
		t.Fatal("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	transport, err := NewRedisTransport(client)
	if err != nil {
		t.Fatalf("NewRedisTransport() error = %v", err)
	}
	if _, err := transport.Subscribe(context.Background(), "a.>.b", 1); err == nil {
		t.Fatal("expected pattern error before any network call")
	}
	if err := transport.Publish(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty subject")
	}
}
