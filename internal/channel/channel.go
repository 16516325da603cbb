// Package channel provides named publish/subscribe channels that carry opaque
// bytes. Correlation, timeouts and settlement live one layer up, in
// execclient; a channel never looks inside a message.
//
// Delivery is at-most-once per subscriber, with no replay: a subscriber only
// sees messages published after Subscribe returned. Messages from one
// publisher reach each subscriber in the order they were published; there is
// no ordering across publishers.
package channel

import (
	"context"
	"errors"
)

// ErrChannelUnavailable reports that the transport cannot accept a publish or
// a subscription. No partial state is left behind; retrying is up to the
// caller.
var ErrChannelUnavailable = errors.New("channel: unavailable")

// Message is one delivery to a handler.
type Message struct {
	Channel string
	Data    []byte
}

// Handler receives messages for a subscription. Handlers of one subscription
// are invoked sequentially.
type Handler func(Message)

// Subscription is returned by Subscribe and Consume.
type Subscription interface {
	// Unsubscribe stops delivery. It is idempotent.
	Unsubscribe() error
}

// Channel is a broadcast publish/subscribe transport.
type Channel interface {
	// Publish sends data to every current subscriber of channel.
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe registers h for messages published to channel from now on.
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	// Close releases the transport. Later publishes fail with
	// ErrChannelUnavailable.
	Close() error
}

// Queue is a work-queue transport: every message enqueued on a stream is
// delivered to exactly one consumer of each group reading that stream.
type Queue interface {
	Enqueue(ctx context.Context, stream string, data []byte) error
	Consume(ctx context.Context, stream, group, consumer string, h Handler) (Subscription, error)
}

// Broker is a transport that offers both delivery modes.
type Broker interface {
	Channel
	Queue
}

type unsubscribeFunc func() error

func (f unsubscribeFunc) Unsubscribe() error { return f() }
