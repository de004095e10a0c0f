package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultMemoryBuffer = 256

// MemoryBroker is an in-process queue for single-binary deployments and
// tests. Every subscriber of a topic receives every record published to it
// after the subscription was made.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[*memoryConsumer]struct{}
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[*memoryConsumer]struct{})}
}

func (b *MemoryBroker) subscribe(parent context.Context, topics []string) (Consumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: memory consumer requires at least one topic", ErrInvalidConfig)
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &memoryConsumer{
		broker: b,
		topics: set,
		msgCh:  make(chan Message, defaultMemoryBuffer),
		errCh:  make(chan error),
		ctx:    ctx,
		cancel: cancel,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		cancel()
		return nil, ErrClosed
	}
	b.subs[c] = struct{}{}
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return c, nil
}

// Publish delivers rec to every current subscriber of rec.Topic. It blocks
// while a subscriber's buffer is full.
func (b *MemoryBroker) Publish(ctx context.Context, rec Record) error {
	if rec.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*memoryConsumer
	for c := range b.subs {
		if _, ok := c.topics[rec.Topic]; ok {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		msg := Message{
			Topic:     rec.Topic,
			Key:       append([]byte(nil), rec.Key...),
			Value:     append([]byte(nil), rec.Value...),
			Timestamp: time.Now().UTC(),
		}
		if err := c.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the broker and every consumer subscribed to it.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memoryConsumer, 0, len(b.subs))
	for c := range b.subs {
		subs = append(subs, c)
	}
	b.mu.Unlock()

	for _, c := range subs {
		_ = c.Close()
	}
	return nil
}

type memoryConsumer struct {
	broker *MemoryBroker
	topics map[string]struct{}

	// mu guards sends against the close of msgCh.
	mu     sync.Mutex
	closed bool
	msgCh  chan Message
	errCh  chan error

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *memoryConsumer) deliver(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.msgCh <- msg:
		return nil
	case <-c.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryConsumer) Messages() <-chan Message { return c.msgCh }
func (c *memoryConsumer) Errors() <-chan error     { return c.errCh }

func (c *memoryConsumer) Close() error {
	c.cancel()

	c.broker.mu.Lock()
	delete(c.broker.subs, c)
	c.broker.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.msgCh)
		close(c.errCh)
	}
	return nil
}
