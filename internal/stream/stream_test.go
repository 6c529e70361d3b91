package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOnceRunsOnce(t *testing.T) {
	n := 0
	sub := Once(func() { n++ })
	sub.Unsubscribe()
	sub.Unsubscribe()
	if n != 1 {
		t.Fatalf("expected 1 call, got %d", n)
	}
}

func TestFuncsNilSafe(t *testing.T) {
	var f Funcs[int]
	f.Next(1)
	f.Error(errors.New("x"))
	f.Complete()
}

func syncStream(values []int, err error) Stream[int] {
	return func(o Observer[int]) Subscription {
		for _, v := range values {
			o.Next(v)
		}
		if err != nil {
			o.Error(err)
		} else {
			o.Complete()
		}
		return SubscriptionFunc(func() {})
	}
}

func TestChanDeliversValuesThenCompletion(t *testing.T) {
	ch := syncStream([]int{1, 2}, nil).Chan(context.Background(), 4)
	var kinds []Kind
	var values []int
	for n := range ch {
		kinds = append(kinds, n.Kind)
		if n.Kind == KindNext {
			values = append(values, n.Value)
		}
	}
	if len(values) != 2 || values[0] != 1 || values[1] != 2 {
		t.Fatalf("values: %v", values)
	}
	if kinds[len(kinds)-1] != KindComplete {
		t.Fatalf("expected completion last, got %v", kinds)
	}
}

func TestChanDeliversError(t *testing.T) {
	boom := errors.New("boom")
	ch := syncStream(nil, boom).Chan(context.Background(), 1)
	n, ok := <-ch
	if !ok || n.Kind != KindError || !errors.Is(n.Err, boom) {
		t.Fatalf("unexpected notification %+v ok=%v", n, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}

func TestChanCancelUnsubscribes(t *testing.T) {
	unsubscribed := make(chan struct{})
	s := Stream[int](func(o Observer[int]) Subscription {
		return Once(func() { close(unsubscribed) })
	})
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Chan(ctx, 0)
	cancel()
	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatalf("stream not unsubscribed")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}

func TestChanOverflowEndsSlowReader(t *testing.T) {
	unsubscribed := make(chan struct{})
	var obs Observer[int]
	s := Stream[int](func(o Observer[int]) Subscription {
		obs = o
		return Once(func() { close(unsubscribed) })
	})
	ch := s.Chan(context.Background(), 2)

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			obs.Next(i)
		}
		obs.Complete()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("source blocked on a reader that is not draining")
	}
	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatalf("stream not unsubscribed after overflow")
	}

	var last Notification[int]
	count := 0
	for n := range ch {
		last = n
		count++
	}
	if count > 2 {
		t.Fatalf("buffered %d notifications, capacity is 2", count)
	}
	if last.Kind != KindError || !errors.Is(last.Err, ErrOverflow) {
		t.Fatalf("expected overflow error last, got %+v", last)
	}
}

func TestChanWithinBufferDoesNotOverflow(t *testing.T) {
	ch := syncStream([]int{1, 2, 3}, nil).Chan(context.Background(), 4)
	for n := range ch {
		if n.Kind == KindError {
			t.Fatalf("unexpected error %v", n.Err)
		}
	}
}
