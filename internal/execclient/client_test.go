package execclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hanpama/gqlbus/internal/channel"
	"github.com/hanpama/gqlbus/internal/codec"
	"github.com/hanpama/gqlbus/internal/eventbus"
	"github.com/hanpama/gqlbus/internal/events"
	"github.com/hanpama/gqlbus/internal/job"
	"github.com/stretchr/testify/require"
)

const executorGroup = "gqlbus:executors"

// fakeExecutor records requests routed to it and answers on demand.
type fakeExecutor struct {
	id       string
	b        *channel.Memory
	requests chan *job.Envelope
}

func startExecutor(t *testing.T, b *channel.Memory, id string) *fakeExecutor {
	t.Helper()
	ctx := context.Background()
	fe := &fakeExecutor{id: id, b: b, requests: make(chan *job.Envelope, 512)}
	q, err := b.Consume(ctx, DefaultRequestStream, executorGroup, id, fe.handle)
	require.NoError(t, err)
	direct, err := b.Subscribe(ctx, DefaultExecutorChannelPrefix+id, fe.handle)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = q.Unsubscribe()
		_ = direct.Unsubscribe()
	})
	return fe
}

func (fe *fakeExecutor) handle(m channel.Message) {
	var env job.Envelope
	if err := codec.JSON().Unmarshal(m.Data, &env); err != nil {
		return
	}
	fe.requests <- &env
}

func (fe *fakeExecutor) next(t *testing.T) *job.Envelope {
	t.Helper()
	select {
	case env := <-fe.requests:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("executor %s received no request", fe.id)
		return nil
	}
}

func (fe *fakeExecutor) reply(t *testing.T, req *job.Envelope, res job.Result) {
	t.Helper()
	data, err := codec.JSON().Marshal(job.NewReply(job.Reply{JobID: req.JobID, ExecutorServerID: fe.id, Result: res}))
	require.NoError(t, err)
	require.NoError(t, fe.b.Publish(context.Background(), req.ReplyTo, data))
}

// serve answers every request with fn until the test ends.
func (fe *fakeExecutor) serve(t *testing.T, fn func(*job.Envelope) job.Result) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case req := <-fe.requests:
				data, _ := codec.JSON().Marshal(job.NewReply(job.Reply{JobID: req.JobID, ExecutorServerID: fe.id, Result: fn(req)}))
				_ = fe.b.Publish(context.Background(), req.ReplyTo, data)
			}
		}
	}()
}

func newClient(t *testing.T, b channel.Channel, opts ...Option) *Client {
	t.Helper()
	c := New(b, append([]Option{WithServerID("edge-1")}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func useBus(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
}

func viewerJob(id string) job.Job {
	return job.Job{JobID: id, Payload: job.Payload{Query: "{ viewer { id } }", AuthToken: "t", IsAdHoc: true}}
}

func TestExecuteRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	exec := startExecutor(t, b, "exec-1")
	exec.serve(t, func(req *job.Envelope) job.Result {
		if req.Payload.Query != "{ viewer { id } }" || req.Payload.AuthToken != "t" {
			return *job.ErrorResult("unexpected payload")
		}
		return job.Result{Data: map[string]any{"viewer": map[string]any{"id": "u1"}}}
	})

	c := newClient(t, b)
	f, err := c.Publish(ctx, viewerJob("j1"))
	require.NoError(t, err)

	res, err := f.Wait(ctx)
	require.NoError(t, err)
	expected := &job.Result{Data: map[string]any{"viewer": map[string]any{"id": "u1"}}}
	if diff := cmp.Diff(expected, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "exec-1", f.ExecutorServerID())
	require.Equal(t, "j1", f.JobID())
	require.Equal(t, 0, c.Pending())
}

func TestPublishGeneratesJobID(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	exec := startExecutor(t, b, "exec-1")

	c := newClient(t, b, WithIDGenerator(func() string { return "generated" }))
	f, err := c.Publish(ctx, job.Job{Payload: job.Payload{Query: "{ ping }"}})
	require.NoError(t, err)
	require.Equal(t, "generated", f.JobID())
	require.Equal(t, "generated", exec.next(t).JobID)
}

func TestReplyChannelSubscribedLazily(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	startExecutor(t, b, "exec-1")

	c := New(b, WithServerID("edge-lazy"))
	require.Equal(t, "gqlbus:reply:edge-lazy", c.ReplyChannel())
	require.Equal(t, 0, b.Subscribers(c.ReplyChannel()))

	_, err := c.Publish(ctx, viewerJob("a"))
	require.NoError(t, err)
	_, err = c.Publish(ctx, viewerJob("b"))
	require.NoError(t, err)
	require.Equal(t, 1, b.Subscribers(c.ReplyChannel()))

	require.NoError(t, c.Close())
	require.Equal(t, 0, b.Subscribers(c.ReplyChannel()))
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()

	c := newClient(t, b, WithTimeout(50*time.Millisecond))
	start := time.Now()
	f, err := c.Publish(ctx, viewerJob("j1"))
	require.NoError(t, err)
	require.False(t, f.Settled())

	res, err := f.Wait(ctx)
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrExecutionTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 0, c.Pending())
}

func TestLateReplyIsDropped(t *testing.T) {
	useBus(t)
	var dropped atomic.Int32
	eventbus.Subscribe(func(_ context.Context, e events.ReplyDropped) {
		if e.JobID == "late" {
			dropped.Add(1)
		}
	})

	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	exec := startExecutor(t, b, "exec-1")

	c := newClient(t, b, WithTimeout(20*time.Millisecond))
	f, err := c.Publish(ctx, viewerJob("late"))
	require.NoError(t, err)
	req := exec.next(t)

	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, ErrExecutionTimeout)

	exec.reply(t, req, job.Result{Data: map[string]any{"ping": "pong"}})
	require.Eventually(t, func() bool { return dropped.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, ErrExecutionTimeout)
	require.Equal(t, "", f.ExecutorServerID())
	require.Equal(t, 0, c.Pending())
}

func TestUnknownReplyDoesNotDisturbPendingJobs(t *testing.T) {
	useBus(t)
	var dropped atomic.Int32
	eventbus.Subscribe(func(_ context.Context, e events.ReplyDropped) { dropped.Add(1) })

	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	exec := startExecutor(t, b, "exec-1")

	c := newClient(t, b)
	f, err := c.Publish(ctx, viewerJob("j1"))
	require.NoError(t, err)
	req := exec.next(t)

	stray := &job.Envelope{JobID: "nope", ReplyTo: req.ReplyTo}
	exec.reply(t, stray, *job.ErrorResult("stray"))
	require.Eventually(t, func() bool { return dropped.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, f.Settled())
	require.Equal(t, 1, c.Pending())

	exec.reply(t, req, job.Result{Data: map[string]any{"ok": true}})
	res, err := f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, res.Data)
}

func TestMalformedReplyIsIgnored(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	exec := startExecutor(t, b, "exec-1")

	c := newClient(t, b)
	f, err := c.Publish(ctx, viewerJob("j1"))
	require.NoError(t, err)
	req := exec.next(t)

	require.NoError(t, b.Publish(ctx, req.ReplyTo, []byte("{not json")))
	require.NoError(t, b.Publish(ctx, req.ReplyTo, []byte(`{"kind":"request","jobId":"j1"}`)))
	exec.reply(t, req, job.Result{Data: map[string]any{"ok": true}})

	res, err := f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, res.Data)
}

func TestOutOfOrderReplies(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	exec := startExecutor(t, b, "exec-1")

	c := newClient(t, b)
	fa, err := c.Publish(ctx, viewerJob("A"))
	require.NoError(t, err)
	fb, err := c.Publish(ctx, viewerJob("B"))
	require.NoError(t, err)

	reqs := map[string]*job.Envelope{}
	for range 2 {
		r := exec.next(t)
		reqs[r.JobID] = r
	}
	exec.reply(t, reqs["B"], job.Result{Data: "b"})
	exec.reply(t, reqs["A"], job.Result{Data: "a"})

	resB, err := fb.Wait(ctx)
	require.NoError(t, err)
	resA, err := fa.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", resA.Data)
	require.Equal(t, "b", resB.Data)
}

func TestDuplicateJobID(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	exec := startExecutor(t, b, "exec-1")

	c := newClient(t, b)
	f1, err := c.Publish(ctx, viewerJob("j1"))
	require.NoError(t, err)

	_, err = c.Publish(ctx, viewerJob("j1"))
	require.ErrorIs(t, err, ErrDuplicateJobID)
	require.Equal(t, 1, c.Pending())

	exec.reply(t, exec.next(t), job.Result{Data: "first"})
	res, err := f1.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", res.Data)

	// The id is free again once settled.
	_, err = c.Publish(ctx, viewerJob("j1"))
	require.NoError(t, err)
}

type refusingBroker struct {
	*channel.Memory
}

func (refusingBroker) Publish(context.Context, string, []byte) error {
	return errors.New("connection refused")
}

func (refusingBroker) Enqueue(context.Context, string, []byte) error {
	return errors.New("connection refused")
}

func TestPublishFailureLeavesNoPendingJob(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()

	for _, tc := range []struct {
		name string
		job  job.Job
	}{
		{"queued", viewerJob("j1")},
		{"addressed", job.Job{JobID: "j2", TargetExecutorID: "exec-9", Payload: job.Payload{Query: "{ ping }"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, refusingBroker{b})
			f, err := c.Publish(ctx, tc.job)
			require.Nil(t, f)
			require.ErrorIs(t, err, channel.ErrChannelUnavailable)
			require.Equal(t, 0, c.Pending())
		})
	}
}

func TestPublishOnClosedBroker(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	require.NoError(t, b.Close())

	c := newClient(t, b)
	_, err := c.Publish(ctx, viewerJob("j1"))
	require.ErrorIs(t, err, channel.ErrChannelUnavailable)
	require.Equal(t, 0, c.Pending())
}

func TestCanceledCallerIsNotUnavailable(t *testing.T) {
	b := channel.NewMemory()
	defer b.Close()
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	t.Run("subscribe", func(t *testing.T) {
		c := newClient(t, b)
		_, err := c.Publish(canceled, viewerJob("j1"))
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, channel.ErrChannelUnavailable)
		require.Equal(t, 0, c.Pending())
	})

	t.Run("send", func(t *testing.T) {
		c := newClient(t, b)
		require.NoError(t, c.ensureSubscribed(context.Background()))
		_, err := c.Publish(canceled, viewerJob("j2"))
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, channel.ErrChannelUnavailable)
		require.Equal(t, 0, c.Pending())
	})
}

func TestCloseRejectsPendingJobs(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	startExecutor(t, b, "exec-1")

	c := New(b)
	f, err := c.Publish(ctx, viewerJob("j1"))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, ErrClientClosed)

	_, err = c.Publish(ctx, viewerJob("j2"))
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestWaitGivesUpWithContext(t *testing.T) {
	b := channel.NewMemory()
	defer b.Close()
	startExecutor(t, b, "exec-1")

	c := newClient(t, b)
	f, err := c.Publish(context.Background(), viewerJob("j1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, c.Pending())
}

func TestAddressedJobReachesOnlyItsExecutor(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	exec1 := startExecutor(t, b, "exec-1")
	exec2 := startExecutor(t, b, "exec-2")

	c := newClient(t, b)
	j := viewerJob("j1")
	j.TargetExecutorID = "exec-2"
	f, err := c.Publish(ctx, j)
	require.NoError(t, err)

	req := exec2.next(t)
	require.Equal(t, "exec-2", req.TargetExecutorID)
	exec2.reply(t, req, job.Result{Data: "from 2"})
	_, err = f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "exec-2", f.ExecutorServerID())
	require.Empty(t, exec1.requests)
}

func TestRequestChannelWithoutQueue(t *testing.T) {
	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()

	got := make(chan channel.Message, 1)
	sub, err := b.Subscribe(ctx, "custom:jobs", func(m channel.Message) { got <- m })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	c := newClient(t, b, WithRequestStream(""), WithRequestChannel("custom:jobs"))
	_, err = c.Publish(ctx, viewerJob("j1"))
	require.NoError(t, err)

	select {
	case m := <-got:
		var env job.Envelope
		require.NoError(t, codec.JSON().Unmarshal(m.Data, &env))
		require.Equal(t, job.KindRequest, env.Kind)
		require.Equal(t, "gqlbus:reply:edge-1", env.ReplyTo)
	case <-time.After(2 * time.Second):
		t.Fatal("request not published on the request channel")
	}
}

func TestEveryJobSettlesExactlyOnce(t *testing.T) {
	useBus(t)
	var mu sync.Mutex
	settled := map[string]int{}
	eventbus.Subscribe(func(_ context.Context, e events.JobSettled) {
		mu.Lock()
		settled[e.JobID]++
		mu.Unlock()
	})

	ctx := context.Background()
	b := channel.NewMemory()
	defer b.Close()
	exec := startExecutor(t, b, "exec-1")
	exec.serve(t, func(req *job.Envelope) job.Result {
		time.Sleep(time.Duration(rand.IntN(4)) * time.Millisecond)
		return job.Result{Data: req.JobID}
	})

	c := newClient(t, b, WithTimeout(2*time.Millisecond))
	const n = 200
	futures := make([]*Future, 0, n)
	for i := range n {
		f, err := c.Publish(ctx, viewerJob(fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for _, f := range futures {
		res, err := f.Wait(ctx)
		if err != nil {
			require.ErrorIs(t, err, ErrExecutionTimeout)
			continue
		}
		require.Equal(t, f.JobID(), res.Data)
	}
	// Let stragglers arrive; they must not settle anything again.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, settled, n)
	for id, count := range settled {
		require.Equal(t, 1, count, "job %s settled %d times", id, count)
	}
	require.Equal(t, 0, c.Pending())
}
