package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/pushql/internal/gql"
	"github.com/gaspardpetit/pushql/internal/metrics"
	"github.com/gaspardpetit/pushql/internal/pathx"
	"github.com/gaspardpetit/pushql/internal/stream"
)

type state int

const (
	stateAwaiting state = iota
	stateForwarding
	stateTerminal
)

func (s state) String() string {
	switch s {
	case stateAwaiting:
		return "awaiting"
	case stateForwarding:
		return "forwarding"
	case stateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PushEvent is the payload of one push event on a subscription channel.
type PushEvent struct {
	More             bool          `json:"more"`
	CompressedResult *string       `json:"compressed_result,omitempty"`
	Result           *gql.Response `json:"result,omitempty"`
}

// session is the correlation state of one subscribed operation.
//
// mu guards the fields below it. emitMu serialises calls into obs so the
// consumer sees notifications one at a time and in order. Unsubscribe only
// takes mu, so a consumer may cancel from inside its own callback.
type session struct {
	id  string
	b   *Bridge
	op  *gql.Operation
	obs stream.Observer[*gql.Response]
	log zerolog.Logger

	emitMu sync.Mutex

	mu         sync.Mutex
	state      state
	channel    string
	subscribed bool
	upstream   stream.Subscription
	started    time.Time
}

func (s *session) start() {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()
	metrics.SessionStarted()
	s.log.Debug().Msg("session started")

	sub := s.b.next.Forward(s.op, stream.Funcs[*gql.Response]{
		OnNext:     s.onResult,
		OnError:    s.onUpstreamError,
		OnComplete: s.onUpstreamComplete,
	})

	s.mu.Lock()
	if s.state == stateTerminal {
		// finished while Forward was still running
		s.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return
	}
	s.upstream = sub
	s.mu.Unlock()
}

// Unsubscribe cancels the session. Safe to call more than once and from any
// goroutine.
func (s *session) Unsubscribe() {
	if s.teardown(metrics.OutcomeCancelled) {
		s.log.Debug().Msg("session cancelled")
	}
}

func (s *session) current() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) onResult(env *gql.Response) {
	s.emitMu.Lock()
	s.mu.Lock()
	if s.state != stateAwaiting {
		st := s.state
		s.mu.Unlock()
		s.emitMu.Unlock()
		s.log.Debug().Stringer("state", st).Msg("ignoring extra upstream result")
		return
	}
	var ext map[string]any
	if env != nil {
		ext = env.Extensions
	}
	channel, ok := pathx.Resolve(ext, s.b.opts.ChannelPath)
	if !ok {
		s.mu.Unlock()
		if s.current() == stateAwaiting {
			s.logErrors(env)
			s.obs.Next(env)
		}
		if s.teardown(metrics.OutcomePassthrough) {
			s.obs.Complete()
		}
		s.emitMu.Unlock()
		return
	}
	s.channel = channel
	s.state = stateForwarding
	s.mu.Unlock()

	ch, err := s.b.opts.Push.Subscribe(channel)
	if err != nil {
		s.failLocked(fmt.Errorf("%w: %s: %w", ErrSubscribe, channel, err))
		s.emitMu.Unlock()
		return
	}
	s.mu.Lock()
	if s.state == stateTerminal {
		// cancelled while subscribing
		s.mu.Unlock()
		s.b.opts.Push.Unsubscribe(channel)
		s.emitMu.Unlock()
		return
	}
	s.subscribed = true
	s.mu.Unlock()
	metrics.ChannelOpened()
	s.log.Debug().Str("channel", channel).Msg("push channel opened")

	if s.b.opts.IncludeInitial(env) && s.current() == stateForwarding {
		s.obs.Next(env)
	}
	s.emitMu.Unlock()

	// Bind may replay buffered events synchronously, which re-enters
	// onPush, so emitMu must not be held here.
	ch.Bind(s.b.opts.EventName, s.onPush)
}

func (s *session) onUpstreamError(err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.log.Debug().Err(err).Msg("upstream error")
	s.failLocked(err)
}

// onUpstreamComplete does not end the consumer stream; only a terminal push
// event, an error or cancellation does.
func (s *session) onUpstreamComplete() {
	s.log.Trace().Msg("upstream complete")
}

func (s *session) onPush(data json.RawMessage) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.current() != stateForwarding {
		s.log.Debug().Msg("ignoring push event after terminal state")
		return
	}
	evt, err := decodePushEvent(data)
	if err != nil {
		s.failLocked(fmt.Errorf("%w: %w", ErrMalformedEvent, err))
		return
	}
	env, err := s.b.payload(evt)
	if err != nil {
		s.failLocked(err)
		return
	}
	if env != nil && s.current() == stateForwarding {
		s.logErrors(env)
		s.obs.Next(env)
	}
	if !evt.More {
		if s.teardown(metrics.OutcomeCompleted) {
			s.log.Debug().Msg("terminal push event")
			s.obs.Complete()
		}
	}
}

func (s *session) logErrors(env *gql.Response) {
	if env.HasErrors() {
		s.log.Debug().Str("errors", env.ErrorMessage()).Msg("result carries graphql errors")
	}
}

// decodePushEvent parses a push event. Only a payload that is not an
// object, or whose more flag is not a boolean, is an error; a result or
// compressed_result of the wrong shape counts as absent.
func decodePushEvent(data json.RawMessage) (PushEvent, error) {
	var wire struct {
		More             bool            `json:"more"`
		CompressedResult json.RawMessage `json:"compressed_result"`
		Result           json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return PushEvent{}, err
	}
	evt := PushEvent{More: wire.More}
	var compressed string
	if len(wire.CompressedResult) > 0 && string(wire.CompressedResult) != "null" &&
		json.Unmarshal(wire.CompressedResult, &compressed) == nil {
		evt.CompressedResult = &compressed
	}
	var result *gql.Response
	if len(wire.Result) > 0 && json.Unmarshal(wire.Result, &result) == nil {
		evt.Result = result
	}
	return evt, nil
}

// payload resolves the response carried by evt, or nil for none.
func (b *Bridge) payload(evt PushEvent) (*gql.Response, error) {
	if evt.CompressedResult != nil {
		if b.opts.Decompress == nil {
			return nil, ErrNoDecompressor
		}
		env, err := b.opts.Decompress(*evt.CompressedResult)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
		}
		metrics.RecordPushEvent(metrics.EventCompressed)
		return env, nil
	}
	if evt.Result == nil {
		metrics.RecordPushEvent(metrics.EventEmpty)
		return nil, nil
	}
	metrics.RecordPushEvent(metrics.EventRaw)
	return evt.Result, nil
}

// failLocked tears the session down and reports err. Callers hold emitMu.
func (s *session) failLocked(err error) {
	if s.teardown(metrics.OutcomeError) {
		s.log.Debug().Err(err).Msg("session failed")
		s.obs.Error(err)
	}
}

// teardown moves the session to its terminal state and releases the push
// channel and the upstream subscription. It reports whether this call did
// the transition; only that caller may signal the consumer.
func (s *session) teardown(outcome string) bool {
	s.mu.Lock()
	if s.state == stateTerminal {
		s.mu.Unlock()
		return false
	}
	s.state = stateTerminal
	channel, subscribed := s.channel, s.subscribed
	s.subscribed = false
	up := s.upstream
	s.upstream = nil
	started := s.started
	s.mu.Unlock()

	if subscribed {
		s.b.opts.Push.Unsubscribe(channel)
		metrics.ChannelClosed()
		s.log.Debug().Str("channel", channel).Msg("push channel closed")
	}
	if up != nil {
		up.Unsubscribe()
	}
	metrics.SessionEnded(outcome, time.Since(started))
	return true
}
