package eventbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes envelopes over Redis Pub/Sub. Subjects are used as channel names.
type RedisTransport struct {
	client redis.UniversalClient
}

var (
	_ Transport  = (*RedisTransport)(nil)
	_ Subscriber = (*RedisTransport)(nil)
)

// NewRedisTransport creates a Redis-backed transport.
func NewRedisTransport(client redis.UniversalClient) (*RedisTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("eventbus: redis client cannot be nil")
	}
	return &RedisTransport{client: client}, nil
}

// Publish sends payload on the subject channel.
func (t *RedisTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}
	return t.client.Publish(ctx, subject, payload).Err()
}

// Subscribe opens a pattern subscription. The pattern is translated to a Redis glob,
// so "*" there also matches across separators; messages are re-checked before delivery.
func (t *RedisTransport) Subscribe(ctx context.Context, pattern string, buffer int) (Stream, error) {
	p, err := parsePattern(pattern)
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	pubsub := t.client.PSubscribe(ctx, p.redisGlob())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("eventbus: redis subscribe %s: %w", pattern, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	stream := &redisStream{
		pubsub: pubsub,
		ch:     make(chan Message, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go stream.forward(subCtx, p)
	return stream, nil
}

// Healthy checks if the Redis connection is alive.
func (t *RedisTransport) Healthy(ctx context.Context) bool {
	return t.client.Ping(ctx).Err() == nil
}

type redisStream struct {
	pubsub *redis.PubSub
	ch     chan Message
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *redisStream) C() <-chan Message {
	return s.ch
}

func (s *redisStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *redisStream) forward(ctx context.Context, pattern subjectPattern) {
	defer close(s.done)
	defer close(s.ch)
	defer func() {
		_ = s.pubsub.Close()
	}()

	redisCh := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-redisCh:
			if !ok {
				return
			}
			if !pattern.match(strings.Split(msg.Channel, ".")) {
				continue
			}
			select {
			case s.ch <- Message{Subject: msg.Channel, Payload: []byte(msg.Payload), Timestamp: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// redisGlob widens the pattern to a Redis glob. Redis "*" crosses separators,
// so forward re-checks every message.
func (p subjectPattern) redisGlob() string {
	parts := make([]string, 0, len(p.tokens)+1)
	parts = append(parts, p.tokens...)
	if p.tail {
		parts = append(parts, "*")
	}
	return strings.Join(parts, ".")
}
