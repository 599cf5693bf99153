package dispatch

import (
	"context"
	"reflect"
	"sync"
)

// wrapperKind distinguishes the three generic wrapper kinds that
// TypeCache.loadTypes is willing to unwrap one level.
type wrapperKind int

const (
	wrapperNone wrapperKind = iota
	wrapperPushSource
	wrapperCollection
	wrapperFuture
)

// genericWrapper lets loadTypes recover a generic wrapper's element type
// from a reflect.Type. Go reflection does not expose instantiated generic
// type arguments directly, so the wrapper types themselves report their
// own element type instead.
type genericWrapper interface {
	wrapperKind() wrapperKind
	elemType() reflect.Type
}

var genericWrapperType = reflect.TypeOf((*genericWrapper)(nil)).Elem()

// EntitySubject marks a returned value as a live single-entity handle.
// Its wire body is identical to a plain result; only the response's
// type tag differs, so this is checked against the runtime value during
// classification, not against the declared return type during loadTypes.
type EntitySubject interface {
	IsEntitySubject() bool
}

// PushSource is the common capability of every streaming result: deliver
// zero or more values over time, then terminate with completion or error.
type PushSource[T any] interface {
	Subscribe(onNext func(T), onError func(error), onComplete func()) (cancel func())
}

// anyPushSource is the type-erased facade StreamRegistry actually
// operates on, once ActionTypes has already pinned down T.
type anyPushSource interface {
	subscribeAny(onNext func(any), onError func(error), onComplete func()) (cancel func())
}

// anySubject marks the auto-subscribe variants.
type anySubject interface {
	isSubject()
}

// anyLatched exposes a latched subject's replayed current value without
// the caller needing to know T.
type anyLatched interface {
	currentValueAny() (any, bool)
}

// Stream is a plain push source: the server only subscribes when a client
// issues ActionObservableSubscribe.
type Stream[T any] struct {
	subscribe func(onNext func(T), onError func(error), onComplete func()) (cancel func())
}

// NewStream builds a Stream around a subscribe function.
func NewStream[T any](subscribe func(onNext func(T), onError func(error), onComplete func()) (cancel func())) Stream[T] {
	return Stream[T]{subscribe: subscribe}
}

func (s Stream[T]) Subscribe(onNext func(T), onError func(error), onComplete func()) (cancel func()) {
	return s.subscribe(onNext, onError, onComplete)
}

func (s Stream[T]) subscribeAny(onNext func(any), onError func(error), onComplete func()) (cancel func()) {
	return s.subscribe(func(v T) { onNext(v) }, onError, onComplete)
}

func (Stream[T]) wrapperKind() wrapperKind { return wrapperPushSource }
func (Stream[T]) elemType() reflect.Type   { return reflect.TypeOf((*T)(nil)).Elem() }

type subjectSub[T any] struct {
	onNext     func(T)
	onError    func(error)
	onComplete func()
}

// Subject is a multicast push source the server auto-subscribes to at
// call time, forwarding every value to the caller as it arrives.
type Subject[T any] struct {
	mu   sync.Mutex
	subs map[int64]subjectSub[T]
	next int64
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[int64]subjectSub[T])}
}

func (s *Subject[T]) Subscribe(onNext func(T), onError func(error), onComplete func()) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subjectSub[T]{onNext, onError, onComplete}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Subject[T]) subscribeAny(onNext func(any), onError func(error), onComplete func()) (cancel func()) {
	return s.Subscribe(func(v T) { onNext(v) }, onError, onComplete)
}

func (s *Subject[T]) snapshot() []subjectSub[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]subjectSub[T], 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// Next broadcasts a value to every current subscriber.
func (s *Subject[T]) Next(v T) {
	for _, sub := range s.snapshot() {
		sub.onNext(v)
	}
}

// Error broadcasts a terminal error and drops all subscribers.
func (s *Subject[T]) Error(err error) {
	s.mu.Lock()
	subs := make([]subjectSub[T], 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[int64]subjectSub[T])
	s.mu.Unlock()
	for _, sub := range subs {
		sub.onError(err)
	}
}

// Complete broadcasts completion and drops all subscribers.
func (s *Subject[T]) Complete() {
	s.mu.Lock()
	subs := make([]subjectSub[T], 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[int64]subjectSub[T])
	s.mu.Unlock()
	for _, sub := range subs {
		sub.onComplete()
	}
}

func (*Subject[T]) isSubject() {}

func (*Subject[T]) wrapperKind() wrapperKind { return wrapperPushSource }
func (*Subject[T]) elemType() reflect.Type   { return reflect.TypeOf((*T)(nil)).Elem() }

// LatchedSubject is a Subject that additionally holds a current value and
// replays it to new subscribers.
type LatchedSubject[T any] struct {
	*Subject[T]
	mu       sync.Mutex
	current  T
	hasValue bool
}

func NewLatchedSubject[T any](initial T) *LatchedSubject[T] {
	return &LatchedSubject[T]{Subject: NewSubject[T](), current: initial, hasValue: true}
}

func (s *LatchedSubject[T]) Next(v T) {
	s.mu.Lock()
	s.current = v
	s.hasValue = true
	s.mu.Unlock()
	s.Subject.Next(v)
}

func (s *LatchedSubject[T]) CurrentValue() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasValue
}

func (s *LatchedSubject[T]) currentValueAny() (any, bool) {
	return s.CurrentValue()
}

// Subscribe replays the current value, if any, before delegating to the
// embedded Subject — new subscribers always see the latest value first.
func (s *LatchedSubject[T]) Subscribe(onNext func(T), onError func(error), onComplete func()) (cancel func()) {
	if v, ok := s.CurrentValue(); ok {
		onNext(v)
	}
	return s.Subject.Subscribe(onNext, onError, onComplete)
}

func (s *LatchedSubject[T]) subscribeAny(onNext func(any), onError func(error), onComplete func()) (cancel func()) {
	return s.Subscribe(func(v T) { onNext(v) }, onError, onComplete)
}

func (*LatchedSubject[T]) wrapperKind() wrapperKind { return wrapperPushSource }
func (*LatchedSubject[T]) elemType() reflect.Type   { return reflect.TypeOf((*T)(nil)).Elem() }

// Future represents a value obtained asynchronously via a channel rather
// than by blocking the calling goroutine. Invoker awaits it before
// classification.
type Future[T any] struct {
	ch <-chan futureResult[T]
}

type futureResult[T any] struct {
	value T
	err   error
}

// NewFuture runs fn on its own goroutine and returns a Future observing
// its result.
func NewFuture[T any](fn func() (T, error)) Future[T] {
	ch := make(chan futureResult[T], 1)
	go func() {
		v, err := fn()
		ch <- futureResult[T]{value: v, err: err}
	}()
	return Future[T]{ch: ch}
}

// Await blocks until the future resolves or ctx is canceled.
func (f Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case r := <-f.ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f Future[T]) awaitAny(ctx context.Context) (any, error) {
	return f.Await(ctx)
}

func (Future[T]) wrapperKind() wrapperKind { return wrapperFuture }
func (Future[T]) elemType() reflect.Type   { return reflect.TypeOf((*T)(nil)).Elem() }

// anyFuture is the type-erased facade Invoker awaits through.
type anyFuture interface {
	awaitAny(ctx context.Context) (any, error)
}
