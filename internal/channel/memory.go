package channel

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultMailboxSize = 1024

// MemoryOption configures a Memory broker.
type MemoryOption func(*Memory)

// WithMailboxSize bounds the number of undelivered messages per subscriber.
// Messages arriving at a full mailbox are dropped.
func WithMailboxSize(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.mailboxSize = n
		}
	}
}

// Memory is an in-process Broker. Each subscriber owns a bounded mailbox
// drained by its own goroutine, so a slow handler never blocks publishers.
type Memory struct {
	mu          sync.RWMutex
	subs        map[string]map[uint64]*mailbox
	streams     map[string]map[string]*consumerGroup
	nextID      uint64
	closed      bool
	mailboxSize int
	dropped     atomic.Uint64
}

var _ Broker = (*Memory)(nil)

// NewMemory returns an empty in-process broker.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		subs:        make(map[string]map[uint64]*mailbox),
		streams:     make(map[string]map[string]*consumerGroup),
		mailboxSize: defaultMailboxSize,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type mailbox struct {
	id       uint64
	consumer string
	ch       chan Message
	done     chan struct{}
	once     sync.Once
}

func (b *mailbox) offer(msg Message) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.ch <- msg:
		return true
	default:
		return false
	}
}

func (b *mailbox) run(h Handler) {
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.ch:
			select {
			case <-b.done:
				return
			default:
			}
			h(msg)
		}
	}
}

func (b *mailbox) stop() { b.once.Do(func() { close(b.done) }) }

type consumerGroup struct {
	members []*mailbox
	next    int
}

// Publish implements Channel.
func (m *Memory) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{Channel: channel, Data: append([]byte(nil), data...)}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrChannelUnavailable
	}
	for _, b := range m.subs[channel] {
		if !b.offer(msg) {
			m.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe implements Channel.
func (m *Memory) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelUnavailable
	}
	b := m.newMailbox("")
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[uint64]*mailbox)
	}
	m.subs[channel][b.id] = b
	go b.run(h)

	return unsubscribeFunc(func() error {
		m.mu.Lock()
		if set := m.subs[channel]; set != nil {
			delete(set, b.id)
			if len(set) == 0 {
				delete(m.subs, channel)
			}
		}
		m.mu.Unlock()
		b.stop()
		return nil
	}), nil
}

// Enqueue implements Queue. Each group reading stream receives the message
// once, on the next member in round-robin order that has room. Streams
// without consumers keep no backlog.
func (m *Memory) Enqueue(ctx context.Context, stream string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{Channel: stream, Data: append([]byte(nil), data...)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelUnavailable
	}
	groups := m.streams[stream]
	if len(groups) == 0 {
		m.dropped.Add(1)
		return nil
	}
	for _, g := range groups {
		delivered := false
		for i := 0; i < len(g.members) && !delivered; i++ {
			b := g.members[g.next%len(g.members)]
			g.next++
			delivered = b.offer(msg)
		}
		if !delivered {
			m.dropped.Add(1)
		}
	}
	return nil
}

// Consume implements Queue.
func (m *Memory) Consume(ctx context.Context, stream, group, consumer string, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelUnavailable
	}
	groups := m.streams[stream]
	if groups == nil {
		groups = make(map[string]*consumerGroup)
		m.streams[stream] = groups
	}
	g := groups[group]
	if g == nil {
		g = &consumerGroup{}
		groups[group] = g
	}
	b := m.newMailbox(consumer)
	g.members = append(g.members, b)
	go b.run(h)

	return unsubscribeFunc(func() error {
		m.mu.Lock()
		if g := m.streams[stream][group]; g != nil {
			for i, mb := range g.members {
				if mb == b {
					g.members = append(g.members[:i], g.members[i+1:]...)
					break
				}
			}
			if len(g.members) == 0 {
				delete(m.streams[stream], group)
				if len(m.streams[stream]) == 0 {
					delete(m.streams, stream)
				}
			}
		}
		m.mu.Unlock()
		b.stop()
		return nil
	}), nil
}

// Close stops every subscription. It is idempotent.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, set := range m.subs {
		for _, b := range set {
			b.stop()
		}
	}
	for _, groups := range m.streams {
		for _, g := range groups {
			for _, b := range g.members {
				b.stop()
			}
		}
	}
	m.subs = make(map[string]map[uint64]*mailbox)
	m.streams = make(map[string]map[string]*consumerGroup)
	return nil
}

// Dropped reports how many deliveries were discarded because a mailbox was
// full or a stream had no consumers.
func (m *Memory) Dropped() uint64 { return m.dropped.Load() }

// Subscribers returns the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

func (m *Memory) newMailbox(consumer string) *mailbox {
	m.nextID++
	return &mailbox{
		id:       m.nextID,
		consumer: consumer,
		ch:       make(chan Message, m.mailboxSize),
		done:     make(chan struct{}),
	}
}
