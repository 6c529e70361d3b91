// Package stream provides a minimal push-based result stream: an observer
// receives zero or more values followed by at most one error or completion,
// and a subscription handle cancels delivery.
package stream

import (
	"context"
	"errors"
	"sync"
)

// Observer receives the notifications of a stream.
type Observer[T any] interface {
	Next(T)
	Error(error)
	Complete()
}

// Funcs adapts plain functions to an Observer. Nil fields are no-ops.
type Funcs[T any] struct {
	OnNext     func(T)
	OnError    func(error)
	OnComplete func()
}

func (f Funcs[T]) Next(v T) {
	if f.OnNext != nil {
		f.OnNext(v)
	}
}

func (f Funcs[T]) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

func (f Funcs[T]) Complete() {
	if f.OnComplete != nil {
		f.OnComplete()
	}
}

// Subscription cancels an active stream. Unsubscribe must be idempotent.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to a Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Once returns a Subscription that runs f at most once.
func Once(f func()) Subscription {
	var once sync.Once
	return SubscriptionFunc(func() { once.Do(f) })
}

// Stream is a lazy source: nothing happens until Subscribe is called.
type Stream[T any] func(Observer[T]) Subscription

// Subscribe starts the stream and delivers its notifications to o.
func (s Stream[T]) Subscribe(o Observer[T]) Subscription {
	return s(o)
}

// Kind tags a Notification.
type Kind int

const (
	KindNext Kind = iota
	KindError
	KindComplete
)

// Notification is one stream event in channel form.
type Notification[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// ErrOverflow ends a channel whose reader fell more than its buffer behind.
var ErrOverflow = errors.New("stream consumer too slow")

// Chan subscribes to s and returns its notifications on a channel. The
// channel is closed after the error or completion notification, or when ctx
// is done, in which case the stream is unsubscribed.
//
// Sending never blocks the source. When the buffer of buf notifications is
// full the stream is unsubscribed, pending notifications are dropped and the
// channel ends with an ErrOverflow error.
func (s Stream[T]) Chan(ctx context.Context, buf int) <-chan Notification[T] {
	if buf < 1 {
		buf = 1
	}
	out := make(chan Notification[T], buf)
	done := make(chan struct{})
	var (
		mu         sync.Mutex
		closed     bool
		overflowed bool
	)
	// finishLocked closes out; callers hold mu so out is never written
	// after close.
	finishLocked := func() {
		if !closed {
			closed = true
			close(out)
			close(done)
		}
	}
	emit := func(n Notification[T], terminal bool) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- n:
			if terminal {
				finishLocked()
			}
			return
		default:
		}
		overflowed = true
		for {
			select {
			case out <- Notification[T]{Kind: KindError, Err: ErrOverflow}:
				finishLocked()
				return
			default:
			}
			select {
			case <-out:
			default:
			}
		}
	}
	sub := s.Subscribe(Funcs[T]{
		OnNext:     func(v T) { emit(Notification[T]{Kind: KindNext, Value: v}, false) },
		OnError:    func(err error) { emit(Notification[T]{Kind: KindError, Err: err}, true) },
		OnComplete: func() { emit(Notification[T]{Kind: KindComplete}, true) },
	})
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			mu.Lock()
			finishLocked()
			mu.Unlock()
		case <-done:
			mu.Lock()
			over := overflowed
			mu.Unlock()
			if over {
				sub.Unsubscribe()
			}
		}
	}()
	return out
}
