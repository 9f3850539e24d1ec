// Package events fans prediction events read from the message queue out to
// in-process subscribers such as SSE clients.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cozy-creator/classifier-server/internal/mq"
	"go.uber.org/zap"
)

const subscriberBuffer = 16

type Broadcaster struct {
	mq     mq.MQ
	topic  string
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	closed      bool
}

func NewBroadcaster(queue mq.MQ, topic string, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Broadcaster{
		mq:          queue,
		topic:       topic,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Subscribe registers a new listener. The returned cancel func must be called
// to release it. The channel is closed on cancel or when the broadcaster is
// closed.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subscribers[ch] = struct{}{}
	}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
}

// Close ends every subscription. Run keeps draining the queue until its
// context is done.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Run consumes the topic until ctx is done or the queue is closed.
func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		msg, err := b.mq.Receive(ctx, b.topic)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, mq.ErrQueueClosed) {
				return nil
			}
			if errors.Is(err, mq.ErrTopicClosed) {
				continue
			}

			b.logger.Error("failed to receive event", zap.String("topic", b.topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		data, err := b.mq.GetMessageData(msg)
		if err != nil {
			b.logger.Warn("dropping unreadable event", zap.Error(err))
			continue
		}
		if err := b.mq.Ack(b.topic, msg); err != nil {
			b.logger.Warn("failed to ack event", zap.Error(err))
		}

		b.broadcast(data)
	}
}

// broadcast never blocks; slow subscribers miss events.
func (b *Broadcaster) broadcast(data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- data:
		default:
			b.logger.Debug("subscriber is behind, dropping event")
		}
	}
}
