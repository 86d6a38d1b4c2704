package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Message is a delivered event-bus message.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp time.Time
}

// Stream is a live subscription on a transport.
type Stream interface {
	C() <-chan Message
	Close() error
}

// Subscriber opens subject-pattern subscriptions. Patterns use "*" for one
// token and a trailing ">" for one or more trailing tokens.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, buffer int) (Stream, error)
}

const defaultStreamBuffer = 32

// MemoryBus is an in-process pub/sub transport for tests and single-node deployments.
// A full subscriber loses the message; Publish never blocks.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*memoryStream
	nextID  uint64
	dropped atomic.Int64
}

var (
	_ Transport  = (*MemoryBus)(nil)
	_ Subscriber = (*MemoryBus)(nil)
)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*memoryStream)}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return errors.New("eventbus: subject cannot be empty")
	}
	tokens := strings.Split(subject, ".")
	msg := Message{
		Subject:   subject,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}

	// The read lock keeps Close from closing a channel while it is being sent on.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.pattern.match(tokens) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe opens a stream on pattern. It ends on Close or when ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, buffer int) (Stream, error) {
	p, err := parsePattern(pattern)
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}

	b.mu.Lock()
	b.nextID++
	s := &memoryStream{id: b.nextID, pattern: p, ch: make(chan Message, buffer), bus: b}
	b.subs[s.id] = s
	b.mu.Unlock()

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = s.Close()
		}()
	}
	return s, nil
}

// Dropped returns how many deliveries were discarded because a subscriber was full.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of open streams.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type memoryStream struct {
	id      uint64
	pattern subjectPattern
	ch      chan Message
	bus     *MemoryBus
	once    sync.Once
}

func (s *memoryStream) C() <-chan Message { return s.ch }

func (s *memoryStream) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
	return nil
}

// subjectPattern is a parsed subscription pattern.
type subjectPattern struct {
	tokens []string
	tail   bool // trailing ">"
}

func parsePattern(pattern string) (subjectPattern, error) {
	if pattern == "" {
		return subjectPattern{}, errors.New("eventbus: subscription pattern cannot be empty")
	}
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return subjectPattern{}, fmt.Errorf("eventbus: pattern %q has an empty token", pattern)
		case tok == ">" && i != len(tokens)-1:
			return subjectPattern{}, fmt.Errorf("eventbus: %q: '>' must be the last token", pattern)
		}
	}
	if tokens[len(tokens)-1] == ">" {
		return subjectPattern{tokens: tokens[:len(tokens)-1], tail: true}, nil
	}
	return subjectPattern{tokens: tokens}, nil
}

func (p subjectPattern) match(subject []string) bool {
	if p.tail {
		if len(subject) <= len(p.tokens) {
			return false
		}
		subject = subject[:len(p.tokens)]
	} else if len(subject) != len(p.tokens) {
		return false
	}
	for i, tok := range p.tokens {
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return true
}

// subjectMatches reports whether subject falls under pattern. Invalid patterns match nothing.
func subjectMatches(pattern, subject string) bool {
	p, err := parsePattern(pattern)
	if err != nil {
		return false
	}
	return p.match(strings.Split(subject, "."))
}
