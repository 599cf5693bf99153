package dispatch

import "sync"

// streamSub tracks one active forwarding subscription against a push
// source, keyed by a subscription ID. active is checked before
// forwarding a frame so a race between delivery and unsubscribe never
// sends past cancellation.
type streamSub struct {
	active bool
	cancel func()
}

// StreamEntry is the per-call bookkeeping StreamRegistry keeps for a
// classified push-source result.
type StreamEntry struct {
	mu         sync.Mutex
	callID     int64
	pushSource anyPushSource
	kind       ObservableKind
	sink       FrameSink
	subs       map[int64]*streamSub
}

// StreamRegistry owns every outstanding push-source subscription for a
// Dispatcher. A Stream is cold: nothing is forwarded until a client sends
// ActionObservableSubscribe naming a subscription ID. A Subject or
// LatchedSubject is hot: Register auto-subscribes immediately, using the
// call ID itself as the implicit subscription ID, and items begin
// forwarding before the caller sends anything further.
type StreamRegistry struct {
	mu      sync.Mutex
	entries map[int64]*StreamEntry
	encoder *ErrorEncoder
}

// NewStreamRegistry builds an empty registry using encoder to translate
// push-source errors into wire errors.
func NewStreamRegistry(encoder *ErrorEncoder) *StreamRegistry {
	return &StreamRegistry{
		entries: make(map[int64]*StreamEntry),
		encoder: encoder,
	}
}

// Register records a newly classified push-source result against callID
// and, for auto-subscribe kinds, starts forwarding immediately.
func (r *StreamRegistry) Register(callID int64, ps anyPushSource, kind ObservableKind, sink FrameSink) *StreamEntry {
	e := &StreamEntry{
		callID:     callID,
		pushSource: ps,
		kind:       kind,
		sink:       sink,
		subs:       make(map[int64]*streamSub),
	}
	r.mu.Lock()
	r.entries[callID] = e
	r.mu.Unlock()

	if _, ok := ps.(anySubject); ok {
		_ = r.subscribe(e, callID)
	}
	return e
}

// HandleSubscribe starts forwarding a cold Stream's values under subID.
// Reusing a subID that is still recorded for this call is rejected,
// even once the earlier subscription has since completed or errored:
// the entry lingers in e.subs, inactive, until HandleUnsubscribe deletes
// it, so a client can't silently resubscribe under a retired ID.
func (r *StreamRegistry) HandleSubscribe(callID, subID int64) error {
	e, ok := r.lookup(callID)
	if !ok {
		return NewDispatchError(KindStream, "no observable for call %d", callID)
	}
	return r.subscribe(e, subID)
}

func (r *StreamRegistry) subscribe(e *StreamEntry, subID int64) error {
	e.mu.Lock()
	if _, ok := e.subs[subID]; ok {
		e.mu.Unlock()
		return NewDispatchError(KindStream, "subscription %d already created", subID)
	}
	sub := &streamSub{active: true}
	e.subs[subID] = sub
	e.mu.Unlock()

	cancel := e.pushSource.subscribeAny(
		func(v any) {
			if !r.isActive(e, subID) {
				return
			}
			_ = e.sink.Send(Frame{
				ID:   e.callID,
				Type: TypeResponseActionObservableNext,
				Body: StreamItem[any]{ID: subID, V: v},
			})
		},
		func(err error) {
			if !r.deactivate(e, subID) {
				return
			}
			_ = e.sink.Send(Frame{
				ID:   e.callID,
				Type: TypeResponseActionObservableError,
				Body: r.encoder.Encode(err),
			})
		},
		func() {
			if !r.deactivate(e, subID) {
				return
			}
			_ = e.sink.Send(Frame{ID: e.callID, Type: TypeResponseActionObservableComplete})
		},
	)

	e.mu.Lock()
	if sub, ok := e.subs[subID]; ok {
		sub.cancel = cancel
	}
	e.mu.Unlock()
	return nil
}

func (r *StreamRegistry) isActive(e *StreamEntry, subID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[subID]
	return ok && sub.active
}

// deactivate marks subID inactive and reports whether it had been active,
// so a terminal event is forwarded at most once.
func (r *StreamRegistry) deactivate(e *StreamEntry, subID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[subID]
	if !ok || !sub.active {
		return false
	}
	sub.active = false
	return true
}

// HandleUnsubscribe stops forwarding under subID and forgets it, freeing
// the subID for reuse on this call.
func (r *StreamRegistry) HandleUnsubscribe(callID, subID int64) error {
	e, ok := r.lookup(callID)
	if !ok {
		return NewDispatchError(KindStream, "no observable for call %d", callID)
	}
	e.mu.Lock()
	sub, ok := e.subs[subID]
	if ok {
		delete(e.subs, subID)
	}
	e.mu.Unlock()
	if !ok {
		return NewDispatchError(KindStream, "no subscription %d for call %d", subID, callID)
	}
	sub.active = false
	if sub.cancel != nil {
		sub.cancel()
	}
	return nil
}

// HandleUnsubscribeSubject stops the implicit auto-subscription of a
// Subject/LatchedSubject result. The subscription ID is the call ID
// itself, since auto-subscribe never involved a client-assigned one.
func (r *StreamRegistry) HandleUnsubscribeSubject(callID int64) error {
	return r.HandleUnsubscribe(callID, callID)
}

func (r *StreamRegistry) lookup(callID int64) (*StreamEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callID]
	return e, ok
}

// CloseAll cancels every outstanding subscription across every entry,
// for use when the owning transport connection tears down.
func (r *StreamRegistry) CloseAll() {
	r.mu.Lock()
	entries := make([]*StreamEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[int64]*StreamEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		subs := make([]*streamSub, 0, len(e.subs))
		for _, s := range e.subs {
			subs = append(subs, s)
		}
		e.subs = make(map[int64]*streamSub)
		e.mu.Unlock()
		for _, s := range subs {
			s.active = false
			if s.cancel != nil {
				s.cancel()
			}
		}
	}
}
