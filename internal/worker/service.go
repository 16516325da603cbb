// Package worker is the executor side of the job protocol: it takes request
// envelopes off the channel, runs them through the GraphQL engine on a fixed
// pool and publishes the reply to the address each request names.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hanpama/gqlbus/internal/auth"
	"github.com/hanpama/gqlbus/internal/channel"
	"github.com/hanpama/gqlbus/internal/codec"
	"github.com/hanpama/gqlbus/internal/eventbus"
	"github.com/hanpama/gqlbus/internal/events"
	"github.com/hanpama/gqlbus/internal/execclient"
	"github.com/hanpama/gqlbus/internal/executor"
	"github.com/hanpama/gqlbus/internal/job"
	"github.com/hanpama/gqlbus/internal/reqid"
	"go.uber.org/zap"
)

const (
	DefaultGroup            = "gqlbus:executors"
	DefaultConcurrency      = 8
	DefaultExecutionTimeout = 25 * time.Second
	replyPublishTimeout     = 5 * time.Second
)

// Reclaimer is implemented by brokers whose work queues keep per-consumer
// pending entries that must be cleaned up after a consumer dies.
type Reclaimer interface {
	StartReclaimer(ctx context.Context, stream, group string, interval, minIdle time.Duration)
}

type Options struct {
	ID                    string
	Concurrency           int
	RequestStream         string
	Group                 string
	RequestChannel        string
	ExecutorChannelPrefix string
	Codec                 codec.Codec
	Verifier              *auth.Verifier
	QueryStore            executor.QueryStore
	ExecutionTimeout      time.Duration
	ReclaimInterval       time.Duration
	ReclaimMinIdle        time.Duration
	Logger                *zap.Logger
}

type Option func(*Options)

func WithID(id string) Option {
	return func(o *Options) { o.ID = id }
}

func WithConcurrency(n int) Option {
	return func(o *Options) { o.Concurrency = n }
}

func WithRequestStream(s string) Option {
	return func(o *Options) { o.RequestStream = s }
}

func WithGroup(g string) Option {
	return func(o *Options) { o.Group = g }
}

func WithRequestChannel(c string) Option {
	return func(o *Options) { o.RequestChannel = c }
}

func WithExecutorChannelPrefix(p string) Option {
	return func(o *Options) { o.ExecutorChannelPrefix = p }
}

func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

func WithVerifier(v *auth.Verifier) Option {
	return func(o *Options) { o.Verifier = v }
}

func WithQueryStore(s executor.QueryStore) Option {
	return func(o *Options) { o.QueryStore = s }
}

func WithExecutionTimeout(d time.Duration) Option {
	return func(o *Options) { o.ExecutionTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithReclaim(interval, minIdle time.Duration) Option {
	return func(o *Options) { o.ReclaimInterval, o.ReclaimMinIdle = interval, minIdle }
}

// Service consumes jobs from a channel and answers them.
type Service struct {
	ch     channel.Channel
	queue  channel.Queue
	exec   *executor.Executor
	opt    Options
	logger *zap.Logger
	pool   *Pool

	mu      sync.Mutex
	started bool
	stopped bool
	subs    []channel.Subscription
	cancel  context.CancelFunc
	bg      sync.WaitGroup
}

// New returns a service executing jobs from ch with exec. Unaddressed jobs
// are consumed from the request stream when ch is also a channel.Queue, and
// from the request channel otherwise; addressed jobs always arrive on the
// service's own executor channel.
func New(ch channel.Channel, exec *executor.Executor, opts ...Option) *Service {
	o := Options{
		Concurrency:           DefaultConcurrency,
		RequestStream:         execclient.DefaultRequestStream,
		Group:                 DefaultGroup,
		RequestChannel:        execclient.DefaultRequestChannel,
		ExecutorChannelPrefix: execclient.DefaultExecutorChannelPrefix,
		Codec:                 codec.JSON(),
		ExecutionTimeout:      DefaultExecutionTimeout,
		ReclaimInterval:       time.Minute,
		ReclaimMinIdle:        5 * time.Minute,
		Logger:                zap.NewNop(),
	}
	for _, f := range opts {
		f(&o)
	}
	if o.ID == "" {
		o.ID = reqid.New()
	}
	logger := o.Logger.With(zap.String("executorServerId", o.ID))
	s := &Service{
		ch:     ch,
		exec:   exec,
		opt:    o,
		logger: logger,
		pool:   NewPool(o.Concurrency, logger),
	}
	if q, ok := ch.(channel.Queue); ok && o.RequestStream != "" {
		s.queue = q
	}
	return s
}

// ID returns the executor server id replies are tagged with.
func (s *Service) ID() string { return s.opt.ID }

// Channel returns the channel addressed jobs for this service arrive on.
func (s *Service) Channel() string { return s.opt.ExecutorChannelPrefix + s.opt.ID }

// Start subscribes and starts the worker pool. The service runs until Stop;
// ctx only bounds the subscription calls.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("worker: already started")
	}
	s.started = true

	s.pool.Start()
	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	direct, err := s.ch.Subscribe(ctx, s.Channel(), s.onMessage)
	if err != nil {
		s.abort()
		return fmt.Errorf("worker: subscribe %s: %w", s.Channel(), err)
	}
	s.subs = append(s.subs, direct)

	var shared channel.Subscription
	if s.queue != nil {
		shared, err = s.queue.Consume(ctx, s.opt.RequestStream, s.opt.Group, s.opt.ID, s.onMessage)
	} else {
		shared, err = s.ch.Subscribe(ctx, s.opt.RequestChannel, s.onMessage)
	}
	if err != nil {
		s.abort()
		return fmt.Errorf("worker: consume requests: %w", err)
	}
	s.subs = append(s.subs, shared)

	if r, ok := s.ch.(Reclaimer); ok && s.queue != nil && s.opt.ReclaimInterval > 0 {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			r.StartReclaimer(bgCtx, s.opt.RequestStream, s.opt.Group, s.opt.ReclaimInterval, s.opt.ReclaimMinIdle)
		}()
	}

	s.logger.Info("executor service started",
		zap.String("channel", s.Channel()),
		zap.Bool("queue", s.queue != nil),
		zap.Int("concurrency", s.opt.Concurrency))
	return nil
}

// abort undoes a partial Start. Callers hold s.mu.
func (s *Service) abort() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.cancel()
	s.pool.Stop()
	s.stopped = true
}

// Stop unsubscribes, waits for running jobs to reply and stops background
// work. It is idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	s.pool.Stop()
	s.cancel()
	s.bg.Wait()
	s.logger.Info("executor service stopped")
}

func (s *Service) onMessage(msg channel.Message) {
	env := &job.Envelope{}
	if err := s.opt.Codec.Unmarshal(msg.Data, env); err != nil {
		s.logger.Warn("undecodable request", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if err := env.Validate(); err != nil || env.Kind != job.KindRequest {
		s.logger.Warn("unexpected message on request channel", zap.String("channel", msg.Channel), zap.String("kind", string(env.Kind)), zap.Error(err))
		return
	}
	if env.TargetExecutorID != "" && env.TargetExecutorID != s.opt.ID {
		s.logger.Debug("ignoring job addressed elsewhere", zap.String("jobId", env.JobID), zap.String("target", env.TargetExecutorID))
		return
	}
	if !s.pool.Submit(func() { s.process(env) }) {
		s.logger.Warn("dropping job received while stopping", zap.String("jobId", env.JobID))
	}
}

func (s *Service) process(env *job.Envelope) {
	start := time.Now()
	j := env.Job()
	ctx, cancel := context.WithTimeout(reqid.WithID(context.Background(), j.JobID), s.opt.ExecutionTimeout)
	defer cancel()

	fields := []zap.Field{zap.String("jobId", j.JobID), zap.Bool("adHoc", j.Payload.IsAdHoc)}
	logged := ""
	if !j.Payload.IsPrivate {
		logged = j.Payload.Query
		fields = append(fields, zap.String("query", logged))
	}
	s.logger.Debug("executing job", fields...)
	eventbus.Publish(ctx, events.ExecutionStart{
		JobID:            j.JobID,
		ExecutorServerID: s.opt.ID,
		OperationName:    j.Payload.OperationName,
		Query:            logged,
	})

	res := s.run(ctx, j)
	s.reply(env.ReplyTo, job.Reply{JobID: j.JobID, ExecutorServerID: s.opt.ID, Result: res})

	elapsed := time.Since(start)
	eventbus.Publish(ctx, events.ExecutionFinish{
		JobID:            j.JobID,
		ExecutorServerID: s.opt.ID,
		ErrorCount:       len(res.Errors),
		Duration:         elapsed,
	})
	s.logger.Debug("job finished", zap.String("jobId", j.JobID), zap.Int("errors", len(res.Errors)), zap.Duration("duration", elapsed))
}

func (s *Service) run(ctx context.Context, j job.Job) job.Result {
	p := j.Payload
	if p.AuthToken != "" && s.opt.Verifier != nil {
		claims, err := s.opt.Verifier.Verify(p.AuthToken)
		if err != nil {
			s.logger.Debug("running job anonymously", zap.String("jobId", j.JobID), zap.Error(err))
		} else {
			ctx = auth.NewContext(ctx, claims)
		}
	}
	ctx = auth.WithClientIP(ctx, p.IP)

	query := p.Query
	if !p.IsAdHoc {
		if s.opt.QueryStore == nil {
			return *job.ErrorResult("persisted queries are not enabled")
		}
		q, err := s.opt.QueryStore.Lookup(ctx, p.Query)
		if errors.Is(err, executor.ErrQueryNotFound) {
			return *job.ErrorResult(fmt.Sprintf("persisted query %q not found", p.Query))
		}
		if err != nil {
			s.logger.Error("persisted query lookup failed", zap.String("jobId", j.JobID), zap.String("docId", p.Query), zap.Error(err))
			return *job.ErrorResult("failed to load persisted query")
		}
		query = q
	}

	return s.exec.Execute(ctx, executor.Request{
		Query:         query,
		OperationName: p.OperationName,
		Variables:     p.Variables,
	}).Result()
}

func (s *Service) reply(replyTo string, r job.Reply) {
	data, err := s.opt.Codec.Marshal(job.NewReply(r))
	if err != nil {
		s.logger.Error("encode reply", zap.String("jobId", r.JobID), zap.Error(err))
		r.Result = *job.ErrorResult("result could not be encoded")
		if data, err = s.opt.Codec.Marshal(job.NewReply(r)); err != nil {
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), replyPublishTimeout)
	defer cancel()
	if err := s.ch.Publish(ctx, replyTo, data); err != nil {
		s.logger.Error("publish reply", zap.String("jobId", r.JobID), zap.String("replyTo", replyTo), zap.Error(err))
	}
}
