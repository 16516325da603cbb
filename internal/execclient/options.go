package execclient

import (
	"time"

	"github.com/hanpama/gqlbus/internal/codec"
	"github.com/hanpama/gqlbus/internal/reqid"
	"go.uber.org/zap"
)

// Channel names shared by clients and executors.
const (
	DefaultReplyChannelPrefix    = "gqlbus:reply:"
	DefaultRequestStream         = "gqlbus:jobs"
	DefaultRequestChannel        = "gqlbus:jobs"
	DefaultExecutorChannelPrefix = "gqlbus:executor:"
	DefaultTimeout               = 30 * time.Second
)

// Options configures a Client.
//
// Defaults:
// - Timeout:               30s
// - ServerID:              random UUID
// - ReplyChannelPrefix:    gqlbus:reply:
// - RequestStream:         gqlbus:jobs (used when the channel is also a channel.Queue)
// - RequestChannel:        gqlbus:jobs (used otherwise)
// - ExecutorChannelPrefix: gqlbus:executor:
// - Codec:                 JSON
type Options struct {
	Timeout               time.Duration
	ServerID              string
	ReplyChannelPrefix    string
	RequestStream         string
	RequestChannel        string
	ExecutorChannelPrefix string
	Codec                 codec.Codec
	NewID                 func() string
	Logger                *zap.Logger
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Timeout:               DefaultTimeout,
		ReplyChannelPrefix:    DefaultReplyChannelPrefix,
		RequestStream:         DefaultRequestStream,
		RequestChannel:        DefaultRequestChannel,
		ExecutorChannelPrefix: DefaultExecutorChannelPrefix,
		Codec:                 codec.JSON(),
		NewID:                 reqid.New,
		Logger:                zap.NewNop(),
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithServerID sets the id that suffixes this client's reply channel.
func WithServerID(id string) Option {
	return func(o *Options) { o.ServerID = id }
}

func WithReplyChannelPrefix(p string) Option {
	return func(o *Options) { o.ReplyChannelPrefix = p }
}

// WithRequestStream sets the work-queue stream for unaddressed jobs. An
// empty name sends them on the request channel even if a queue is available.
func WithRequestStream(s string) Option {
	return func(o *Options) { o.RequestStream = s }
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

func WithIDGenerator(f func() string) Option {
	return func(o *Options) { o.NewID = f }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}
