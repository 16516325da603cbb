// Package execclient turns a channel into a request/response protocol: each
// published job gets a pending entry keyed by its job id, and the entry is
// settled by the first of a matching reply, its timeout, or Close.
package execclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanpama/gqlbus/internal/channel"
	"github.com/hanpama/gqlbus/internal/eventbus"
	"github.com/hanpama/gqlbus/internal/events"
	"github.com/hanpama/gqlbus/internal/job"
	"github.com/hanpama/gqlbus/internal/reqid"
	"go.uber.org/zap"
)

var (
	// ErrExecutionTimeout rejects a job whose reply did not arrive in time.
	// The executor is not told; a reply arriving later is dropped.
	ErrExecutionTimeout = errors.New("execclient: execution timeout")
	// ErrDuplicateJobID rejects a publish whose job id is already pending.
	ErrDuplicateJobID = errors.New("execclient: duplicate job id")
	// ErrClientClosed rejects publishes after Close and jobs pending at Close.
	ErrClientClosed = errors.New("execclient: client closed")
)

// Client publishes jobs and correlates replies. It subscribes to its reply
// channel once, on the first publish, and keeps that subscription until Close.
type Client struct {
	ch           channel.Channel
	queue        channel.Queue
	opt          Options
	replyChannel string
	logger       *zap.Logger

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	subMu      sync.Mutex
	sub        channel.Subscription
	subscribed atomic.Bool
}

type pending struct {
	jobID   string
	future  *Future
	created time.Time
	timer   *time.Timer
}

// New returns a client publishing on ch. If ch also implements
// channel.Queue, unaddressed jobs go through the request stream.
func New(ch channel.Channel, opts ...Option) *Client {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if o.ServerID == "" {
		o.ServerID = reqid.New()
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	c := &Client{
		ch:           ch,
		opt:          *o,
		replyChannel: o.ReplyChannelPrefix + o.ServerID,
		logger:       o.Logger.With(zap.String("serverId", o.ServerID)),
		pending:      make(map[string]*pending),
	}
	if q, ok := ch.(channel.Queue); ok && o.RequestStream != "" {
		c.queue = q
	}
	return c
}

// ServerID returns the id this client receives replies under.
func (c *Client) ServerID() string { return c.opt.ServerID }

// ReplyChannel returns the channel this client subscribes to.
func (c *Client) ReplyChannel() string { return c.replyChannel }

// Pending returns the number of jobs awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Execute publishes j and waits for its result.
func (c *Client) Execute(ctx context.Context, j job.Job) (*job.Result, error) {
	f, err := c.Publish(ctx, j)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Publish sends j and returns a future for its result. A job id is
// generated when j has none. Errors returned here leave no pending state:
// ErrDuplicateJobID, ErrClientClosed, the error of ctx when it ended, or an
// error wrapping channel.ErrChannelUnavailable.
func (c *Client) Publish(ctx context.Context, j job.Job) (*Future, error) {
	if j.JobID == "" {
		j.JobID = c.opt.NewID()
	}
	if err := c.ensureSubscribed(ctx); err != nil {
		return nil, err
	}
	data, err := c.opt.Codec.Marshal(job.NewRequest(j, c.replyChannel))
	if err != nil {
		return nil, fmt.Errorf("execclient: encode job %s: %w", j.JobID, err)
	}

	p := &pending{jobID: j.JobID, future: newFuture(j.JobID), created: time.Now()}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, dup := c.pending[j.JobID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJobID, j.JobID)
	}
	// The entry exists before the job is sent so a fast reply finds it.
	c.pending[j.JobID] = p
	p.timer = time.AfterFunc(c.opt.Timeout, func() { c.expire(p) })
	c.mu.Unlock()

	if err := c.send(ctx, j, data); err != nil {
		if c.remove(p) {
			p.timer.Stop()
			p.future.settle(nil, err, "")
		}
		c.logger.Warn("job publish failed", zap.String("jobId", j.JobID), zap.Error(err))
		return nil, err
	}

	c.logger.Debug("job published", zap.String("jobId", j.JobID), zap.String("target", j.TargetExecutorID))
	eventbus.Publish(ctx, events.JobPublished{JobID: j.JobID, TargetExecutorID: j.TargetExecutorID, ReplyTo: c.replyChannel})
	return p.future, nil
}

func (c *Client) send(ctx context.Context, j job.Job, data []byte) error {
	var err error
	switch {
	case j.TargetExecutorID != "":
		err = c.ch.Publish(ctx, c.opt.ExecutorChannelPrefix+j.TargetExecutorID, data)
	case c.queue != nil:
		err = c.queue.Enqueue(ctx, c.opt.RequestStream, data)
	default:
		err = c.ch.Publish(ctx, c.opt.RequestChannel, data)
	}
	return unavailable(ctx, err)
}

// unavailable marks a channel failure as ErrChannelUnavailable unless the
// caller's context ended first, in which case the context error is returned.
func unavailable(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, channel.ErrChannelUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", channel.ErrChannelUnavailable, err)
}

func (c *Client) ensureSubscribed(ctx context.Context) error {
	if c.subscribed.Load() {
		return nil
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.sub != nil {
		return nil
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	sub, err := c.ch.Subscribe(ctx, c.replyChannel, c.onMessage)
	if err != nil {
		return unavailable(ctx, err)
	}
	c.sub = sub
	c.subscribed.Store(true)
	c.logger.Info("subscribed to reply channel", zap.String("channel", c.replyChannel))
	return nil
}

func (c *Client) onMessage(msg channel.Message) {
	var env job.Envelope
	if err := c.opt.Codec.Unmarshal(msg.Data, &env); err != nil {
		c.logger.Warn("undecodable reply", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if err := env.Validate(); err != nil || env.Kind != job.KindReply {
		c.logger.Warn("unexpected message on reply channel", zap.String("channel", msg.Channel), zap.String("kind", string(env.Kind)), zap.Error(err))
		return
	}
	c.resolve(env.Reply())
}

func (c *Client) resolve(r job.Reply) {
	c.mu.Lock()
	p, ok := c.pending[r.JobID]
	if ok {
		delete(c.pending, r.JobID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropped reply without pending job", zap.String("jobId", r.JobID), zap.String("executorServerId", r.ExecutorServerID))
		eventbus.Publish(context.Background(), events.ReplyDropped{JobID: r.JobID, ExecutorServerID: r.ExecutorServerID})
		return
	}
	p.timer.Stop()
	res := r.Result
	p.future.settle(&res, nil, r.ExecutorServerID)
	eventbus.Publish(context.Background(), events.JobSettled{JobID: p.jobID, Duration: time.Since(p.created)})
}

func (c *Client) expire(p *pending) {
	if !c.remove(p) {
		return
	}
	err := fmt.Errorf("%w: job %s after %s", ErrExecutionTimeout, p.jobID, c.opt.Timeout)
	p.future.settle(nil, err, "")
	c.logger.Warn("job timed out", zap.String("jobId", p.jobID), zap.Duration("timeout", c.opt.Timeout))
	eventbus.Publish(context.Background(), events.JobSettled{JobID: p.jobID, Err: err, Duration: time.Since(p.created)})
}

// remove deletes p if it is still the entry for its job id. Only the caller
// that gets true may settle p.
func (c *Client) remove(p *pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[p.jobID]; ok && cur == p {
		delete(c.pending, p.jobID)
		return true
	}
	return false
}

// Close drops the reply subscription and rejects every pending job with
// ErrClientClosed. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	outstanding := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	var err error
	c.subMu.Lock()
	if c.sub != nil {
		err = c.sub.Unsubscribe()
		c.sub = nil
	}
	c.subMu.Unlock()

	for _, p := range outstanding {
		p.timer.Stop()
		p.future.settle(nil, ErrClientClosed, "")
		eventbus.Publish(context.Background(), events.JobSettled{JobID: p.jobID, Err: ErrClientClosed, Duration: time.Since(p.created)})
	}
	if len(outstanding) > 0 {
		c.logger.Info("rejected pending jobs on close", zap.Int("count", len(outstanding)))
	}
	return err
}
