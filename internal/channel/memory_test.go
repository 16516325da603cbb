package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(m.Data))
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func (c *collector) len() int { return len(c.snapshot()) }

func TestMemoryBroadcastToAllSubscribers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var a, b collector
	_, err := m.Subscribe(ctx, "topic", a.handle)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "topic", b.handle)
	require.NoError(t, err)
	var other collector
	_, err = m.Subscribe(ctx, "other", other.handle)
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "topic", []byte("hello")))

	require.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"hello"}, a.snapshot())
	require.Empty(t, other.snapshot())
}

func TestMemoryNoReplay(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	require.NoError(t, m.Publish(ctx, "topic", []byte("early")))

	var c collector
	_, err := m.Subscribe(ctx, "topic", c.handle)
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx, "topic", []byte("late")))

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"late"}, c.snapshot())
}

func TestMemoryFIFOPerPublisher(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var c collector
	_, err := m.Subscribe(ctx, "topic", c.handle)
	require.NoError(t, err)

	want := make([]string, 200)
	for i := range want {
		want[i] = fmt.Sprintf("m%03d", i)
		require.NoError(t, m.Publish(ctx, "topic", []byte(want[i])))
	}
	require.Eventually(t, func() bool { return c.len() == len(want) }, time.Second, 5*time.Millisecond)
	require.Equal(t, want, c.snapshot())
}

func TestMemoryUnsubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var c collector
	sub, err := m.Subscribe(ctx, "topic", c.handle)
	require.NoError(t, err)
	require.Equal(t, 1, m.Subscribers("topic"))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.Equal(t, 0, m.Subscribers("topic"))

	require.NoError(t, m.Publish(ctx, "topic", []byte("ignored")))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, c.snapshot())
}

func TestMemoryClosedIsUnavailable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err := m.Publish(ctx, "topic", []byte("x"))
	require.True(t, errors.Is(err, ErrChannelUnavailable))
	_, err = m.Subscribe(ctx, "topic", func(Message) {})
	require.True(t, errors.Is(err, ErrChannelUnavailable))
	err = m.Enqueue(ctx, "stream", []byte("x"))
	require.True(t, errors.Is(err, ErrChannelUnavailable))
}

func TestMemoryFullMailboxDrops(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithMailboxSize(1))
	defer m.Close()

	block := make(chan struct{})
	var c collector
	_, err := m.Subscribe(ctx, "topic", func(msg Message) {
		<-block
		c.handle(msg)
	})
	require.NoError(t, err)

	// The first message is taken by the delivery goroutine, the second fills
	// the mailbox; the rest are dropped.
	require.NoError(t, m.Publish(ctx, "topic", []byte("1")))
	require.Eventually(t, func() bool {
		return m.Publish(ctx, "topic", []byte("x")) == nil && m.Dropped() > 0
	}, time.Second, time.Millisecond)
	close(block)
	require.Eventually(t, func() bool { return c.len() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryQueueDeliversOncePerGroup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	var a1, a2, b1 collector
	_, err := m.Consume(ctx, "jobs", "executors", "a1", a1.handle)
	require.NoError(t, err)
	_, err = m.Consume(ctx, "jobs", "executors", "a2", a2.handle)
	require.NoError(t, err)
	_, err = m.Consume(ctx, "jobs", "audit", "b1", b1.handle)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Enqueue(ctx, "jobs", []byte(fmt.Sprint(i))))
	}
	require.Eventually(t, func() bool { return a1.len()+a2.len() == 10 && b1.len() == 10 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 5, a1.len())
	require.Equal(t, 5, a2.len())
}

func TestMemoryQueueWithoutConsumersDrops(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	require.NoError(t, m.Enqueue(ctx, "jobs", []byte("lost")))
	require.Equal(t, uint64(1), m.Dropped())

	var c collector
	sub, err := m.Consume(ctx, "jobs", "g", "c", c.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, m.Enqueue(ctx, "jobs", []byte("lost again")))
	require.Equal(t, uint64(2), m.Dropped())
}
