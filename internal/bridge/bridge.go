// Package bridge turns one GraphQL request plus the push events that follow
// it into a single result stream.
//
// The upstream answer to a subscription operation carries a channel id in
// its extensions. The bridge opens that channel on the push-messaging
// client and relays every push event on it as another result, until an
// event with more=false arrives or the consumer cancels. Operations whose
// answer has no channel id pass straight through.
package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/pushql/internal/gql"
	"github.com/gaspardpetit/pushql/internal/logx"
	"github.com/gaspardpetit/pushql/internal/push"
	"github.com/gaspardpetit/pushql/internal/stream"
)

const (
	// DefaultChannelPath locates the channel id in response extensions.
	DefaultChannelPath = "lighthouse_subscriptions.channel"
	// DefaultEventName is the push event carrying subscription results.
	DefaultEventName = "lighthouse-subscription"
)

var (
	ErrNoPushClient   = errors.New("bridge: push client is required")
	ErrNoDecompressor = errors.New("bridge: compressed push payload but no decompressor configured")
	ErrDecompress     = errors.New("bridge: decompress push payload")
	ErrSubscribe      = errors.New("bridge: push subscribe failed")
	ErrMalformedEvent = errors.New("bridge: malformed push event")
)

// Dispatcher forwards an operation and reports its results to obs.
type Dispatcher interface {
	Forward(op *gql.Operation, obs stream.Observer[*gql.Response]) stream.Subscription
}

// DispatcherFunc adapts a function to a Dispatcher.
type DispatcherFunc func(op *gql.Operation, obs stream.Observer[*gql.Response]) stream.Subscription

func (f DispatcherFunc) Forward(op *gql.Operation, obs stream.Observer[*gql.Response]) stream.Subscription {
	return f(op, obs)
}

// PushClient is the part of the push-messaging client the bridge uses.
// *push.Client implements it.
type PushClient interface {
	Subscribe(channel string) (push.Channel, error)
	Unsubscribe(channel string)
}

// Predicate decides whether the initial response of a subscription is
// delivered to the consumer.
type Predicate func(*gql.Response) bool

// Decompressor turns a compressed_result payload into a response.
type Decompressor func(payload string) (*gql.Response, error)

// HasData is the default initial-data predicate: data is present and has
// at least one key.
func HasData(r *gql.Response) bool {
	return r != nil && len(r.Data) > 0
}

// AlwaysInclude delivers every initial response.
func AlwaysInclude(*gql.Response) bool { return true }

// NeverInclude suppresses every initial response.
func NeverInclude(*gql.Response) bool { return false }

// ParseInitialData maps a configuration mode to a Predicate:
// "auto" (or empty) -> HasData, "always", "never".
func ParseInitialData(mode string) (Predicate, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
		return HasData, nil
	case "always":
		return AlwaysInclude, nil
	case "never":
		return NeverInclude, nil
	default:
		return nil, fmt.Errorf("bridge: unknown initial data mode %q", mode)
	}
}

// Options configures a Bridge. Only Push is required.
type Options struct {
	Push           PushClient
	ChannelPath    string
	EventName      string
	IncludeInitial Predicate
	Decompress     Decompressor
	Logger         *zerolog.Logger
}

// Bridge correlates forwarded operations with push channels. It is safe for
// concurrent use; each subscription gets its own session.
type Bridge struct {
	next Dispatcher
	opts Options
	log  zerolog.Logger
}

// New returns a Bridge forwarding operations to next.
func New(next Dispatcher, opts Options) (*Bridge, error) {
	if opts.Push == nil {
		return nil, ErrNoPushClient
	}
	if opts.ChannelPath == "" {
		opts.ChannelPath = DefaultChannelPath
	}
	if opts.EventName == "" {
		opts.EventName = DefaultEventName
	}
	if opts.IncludeInitial == nil {
		opts.IncludeInitial = HasData
	}
	log := logx.Log
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Bridge{next: next, opts: opts, log: log}, nil
}

// Execute returns a lazy stream of results for op. Nothing is sent until
// the stream is subscribed; unsubscribing releases the upstream request and
// the push channel.
func (b *Bridge) Execute(op *gql.Operation) stream.Stream[*gql.Response] {
	return func(obs stream.Observer[*gql.Response]) stream.Subscription {
		return b.Forward(op, obs)
	}
}

// Forward starts a session for op. It lets a Bridge stand in for any other
// Dispatcher.
func (b *Bridge) Forward(op *gql.Operation, obs stream.Observer[*gql.Response]) stream.Subscription {
	id := uuid.NewString()
	s := &session{
		id:  id,
		b:   b,
		op:  op,
		obs: obs,
		log: b.log.With().Str("session_id", id).Str("operation", op.OperationName).Logger(),
	}
	s.start()
	return s
}
