// Package redischan implements channel.Broker on Redis: PUBLISH/SUBSCRIBE for
// broadcast channels and Streams with consumer groups for work queues.
package redischan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hanpama/gqlbus/internal/channel"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamField     = "msg"
	reclaimConsumer = "reclaimer"
)

// Broker is a Redis-backed channel.Broker.
type Broker struct {
	client      *redis.Client
	ownsClient  bool
	logger      *zap.Logger
	maxLen      int64
	block       time.Duration
	batch       int64
	readBackoff time.Duration

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

var _ channel.Broker = (*Broker)(nil)

type Option func(*Broker)

// WithLogger sets the logger used for background read errors.
func WithLogger(l *zap.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithStreamMaxLen caps streams approximately (XADD MAXLEN ~). Default 1000.
func WithStreamMaxLen(n int64) Option { return func(b *Broker) { b.maxLen = n } }

// WithBlock sets how long one XREADGROUP call blocks. Default 2s.
func WithBlock(d time.Duration) Option { return func(b *Broker) { b.block = d } }

// WithBatchSize sets XREADGROUP COUNT. Default 10.
func WithBatchSize(n int64) Option { return func(b *Broker) { b.batch = n } }

// New wraps an existing client. The caller keeps ownership of client.
func New(client *redis.Client, opts ...Option) *Broker {
	b := &Broker{
		client:      client,
		logger:      zap.NewNop(),
		maxLen:      1000,
		block:       2 * time.Second,
		batch:       10,
		readBackoff: time.Second,
		subs:        make(map[*subscription]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Dial connects to Redis and verifies the connection with PING. The returned
// broker closes the client on Close.
func Dial(ctx context.Context, ro *redis.Options, opts ...Option) (*Broker, error) {
	client := redis.NewClient(ro)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable(err)
	}
	b := New(client, opts...)
	b.ownsClient = true
	return b, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", channel.ErrChannelUnavailable, err)
}

// Publish implements channel.Channel with PUBLISH.
func (b *Broker) Publish(ctx context.Context, ch string, data []byte) error {
	if b.isClosed() {
		return channel.ErrChannelUnavailable
	}
	if err := b.client.Publish(ctx, ch, data).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Subscribe implements channel.Channel with SUBSCRIBE. It returns once Redis
// confirmed the subscription.
func (b *Broker) Subscribe(ctx context.Context, ch string, h channel.Handler) (channel.Subscription, error) {
	if b.isClosed() {
		return nil, channel.ErrChannelUnavailable
	}
	ps := b.client.Subscribe(ctx, ch)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable(err)
	}

	sub := &subscription{}
	sub.stop = func() error { return ps.Close() }
	msgs := ps.Channel()
	go func() {
		for m := range msgs {
			h(channel.Message{Channel: m.Channel, Data: []byte(m.Payload)})
		}
	}()
	return b.track(sub), nil
}

// Enqueue implements channel.Queue with XADD.
func (b *Broker) Enqueue(ctx context.Context, stream string, data []byte) error {
	if b.isClosed() {
		return channel.ErrChannelUnavailable
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{streamField: data},
	}).Err()
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Consume implements channel.Queue with a consumer group. Entries are acked
// as soon as they are read: a consumer that dies mid-job loses that job
// rather than having it run twice.
func (b *Broker) Consume(ctx context.Context, stream, group, consumer string, h channel.Handler) (channel.Subscription, error) {
	if b.isClosed() {
		return nil, channel.ErrChannelUnavailable
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, unavailable(err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{}
	sub.stop = func() error { cancel(); return nil }
	go b.readLoop(loopCtx, stream, group, consumer, h)
	return b.track(sub), nil
}

func (b *Broker) readLoop(ctx context.Context, stream, group, consumer string, h channel.Handler) {
	for ctx.Err() == nil {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    b.batch,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("stream read failed", zap.String("stream", stream), zap.String("group", group), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.readBackoff):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				if err := b.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
					b.logger.Warn("stream ack failed", zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
				}
				val, ok := msg.Values[streamField].(string)
				if !ok {
					b.logger.Warn("stream entry without payload", zap.String("stream", stream), zap.String("id", msg.ID))
					continue
				}
				h(channel.Message{Channel: stream, Data: []byte(val)})
			}
		}
	}
}

// Reclaim acknowledges entries of group that have been pending for at least
// minIdle, dropping them. It returns the number of entries dropped.
func (b *Broker) Reclaim(ctx context.Context, stream, group string, minIdle time.Duration) (int, error) {
	total := 0
	start := "-"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			MinIdle:  minIdle,
			Start:    start,
			Count:    b.batch,
			Consumer: reclaimConsumer,
		}).Result()
		if err != nil {
			return total, unavailable(err)
		}
		for _, msg := range msgs {
			if err := b.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
				return total, unavailable(err)
			}
			total++
		}
		if len(msgs) == 0 || next == "0-0" {
			return total, nil
		}
		start = next
	}
}

// StartReclaimer runs Reclaim every interval until ctx is done.
func (b *Broker) StartReclaimer(ctx context.Context, stream, group string, interval, minIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.Reclaim(ctx, stream, group, minIdle)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Error("stream reclaim failed", zap.String("stream", stream), zap.Error(err))
				}
				continue
			}
			if n > 0 {
				b.logger.Warn("dropped stale stream entries", zap.String("stream", stream), zap.Int("count", n))
			}
		}
	}
}

// Close stops all subscriptions and, for brokers created by Dial, closes the
// client.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		_ = s.close()
	}
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) track(s *subscription) *subscription {
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	s.untrack = func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}
	return s
}

type subscription struct {
	once    sync.Once
	stop    func() error
	untrack func()
	err     error
}

func (s *subscription) close() error {
	s.once.Do(func() { s.err = s.stop() })
	return s.err
}

// Unsubscribe implements channel.Subscription.
func (s *subscription) Unsubscribe() error {
	if s.untrack != nil {
		s.untrack()
	}
	return s.close()
}
