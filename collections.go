package dispatch

import "sync"

// Scheduler defers a function's execution to the end of the current
// batching window, so several synchronous collection mutations coalesce
// into one outbound change frame.
//
// Scheduling the same entry twice before its window flushes must not
// queue fn twice — CollectionBridge already guards that with its own
// flushScheduled flag, so Scheduler only needs to run whatever it is
// given, once, after the caller's current synchronous work is done.
type Scheduler interface {
	Schedule(fn func())
}

// GoroutineScheduler is the production Scheduler: each flush runs on its
// own goroutine. A producer's synchronous run of Add/Remove/SetState
// calls completes before the Go runtime schedules the new goroutine, so
// same-tick mutations still coalesce in practice; under genuine parallel
// use from multiple goroutines that is not a hard guarantee.
type GoroutineScheduler struct{}

func (GoroutineScheduler) Schedule(fn func()) { go fn() }

// ManualScheduler queues scheduled functions without running them,
// giving tests exact control over when a batching window flushes. Flush
// runs exactly what was pending at the time it was called; anything
// scheduled by a flushed function waits for the next Flush.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

// NewManualScheduler returns an empty ManualScheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (m *ManualScheduler) Schedule(fn func()) {
	m.mu.Lock()
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
}

// Flush runs every function pending at the time of the call, in order.
func (m *ManualScheduler) Flush() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

// Pending reports how many flushes are currently queued.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// pendingChange is one change event recorded in a batching tick, kept in
// the order it arrived so flush can replay arrivals faithfully instead of
// regrouping by kind.
type pendingChange struct {
	kind ChangeEventKind
	evt  ChangeEvent
}

// CollectionEntry is the per-call bookkeeping CollectionBridge keeps for
// a classified collection result, including the in-flight batch of
// changes not yet flushed to a frame.
type CollectionEntry struct {
	mu      sync.Mutex
	coll    anyCollection
	cancel  func()
	dropped bool

	pending        []pendingChange
	flushScheduled bool
}

// CollectionBridge opens a collection result as a composite
// Model/State/Set frame, then batches its subsequent change events into
// ResponseActionCollectionChange composites.
type CollectionBridge struct {
	scheduler Scheduler
	encoder   *ErrorEncoder

	mu      sync.Mutex
	entries map[int64]*CollectionEntry
}

// NewCollectionBridge builds a bridge using scheduler for batching.
func NewCollectionBridge(scheduler Scheduler, encoder *ErrorEncoder) *CollectionBridge {
	return &CollectionBridge{
		scheduler: scheduler,
		encoder:   encoder,
		entries:   make(map[int64]*CollectionEntry),
	}
}

// Open sends the initial Model/State/Set composite for coll and begins
// forwarding its change feed for callID.
func (b *CollectionBridge) Open(callID int64, coll anyCollection, sink FrameSink) *CollectionEntry {
	entry := &CollectionEntry{coll: coll}
	b.mu.Lock()
	b.entries[callID] = entry
	b.mu.Unlock()

	builder := &CompositeBuilder{id: callID, outer: TypeResponseActionCollection, sink: sink}
	builder.
		Add(TypeResponseActionCollectionModel, valueBody{V: coll.Model()}).
		Add(TypeResponseActionCollectionState, valueBody{V: coll.State()}).
		Add(TypeResponseActionCollectionSet, collectionSetBody{V: coll.AllAny()})
	_ = builder.Send()

	entry.cancel = coll.SubscribeChanges(func(evt ChangeEvent) {
		b.onChange(callID, entry, evt, sink)
	})
	return entry
}

func (b *CollectionBridge) onChange(callID int64, e *CollectionEntry, evt ChangeEvent, sink FrameSink) {
	e.mu.Lock()
	if e.dropped {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, pendingChange{kind: evt.Kind, evt: evt})
	alreadyScheduled := e.flushScheduled
	e.flushScheduled = true
	e.mu.Unlock()

	if !alreadyScheduled {
		b.scheduler.Schedule(func() { b.flush(callID, e, sink) })
	}
}

// flush replays every change recorded since the last flush in the exact
// order it arrived, so a tick that sees a remove before an add emits
// Remove before Add rather than regrouping by kind.
func (b *CollectionBridge) flush(callID int64, e *CollectionEntry, sink FrameSink) {
	e.mu.Lock()
	if e.dropped {
		e.mu.Unlock()
		return
	}
	pending := e.pending
	coll := e.coll
	e.pending = nil
	e.flushScheduled = false
	e.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	builder := &CompositeBuilder{id: callID, outer: TypeResponseActionCollectionChange, sink: sink}
	for _, c := range pending {
		switch c.kind {
		case ChangeState:
			builder.Add(TypeResponseActionCollectionState, valueBody{V: c.evt.State})
		case ChangeSet:
			// Re-snapshot at flush time rather than trust the event —
			// items may have changed again before the batch window
			// closed.
			builder.Add(TypeResponseActionCollectionSet, collectionSetBody{V: coll.AllAny()})
		case ChangeAdd:
			builder.Add(TypeResponseActionCollectionAdd, collectionSetBody{V: c.evt.Added})
		case ChangeRemove:
			builder.Add(TypeResponseActionCollectionRemove, CollectionRemove[any]{IDs: c.evt.RemovedIDs})
		}
	}

	// A drop requested while this batch was pending must suppress the
	// frame even though it was already built.
	e.mu.Lock()
	dropped := e.dropped
	e.mu.Unlock()
	if dropped {
		return
	}
	_ = builder.Send()
}

// Unsubscribe tears down callID's collection subscription.
func (b *CollectionBridge) Unsubscribe(callID int64) error {
	b.mu.Lock()
	e, ok := b.entries[callID]
	if ok {
		delete(b.entries, callID)
	}
	b.mu.Unlock()
	if !ok {
		return NewDispatchError(KindControl, "no collection subscription for call %d", callID)
	}

	e.mu.Lock()
	e.dropped = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// CloseAll drops every outstanding collection subscription, for use when
// the owning transport connection tears down.
func (b *CollectionBridge) CloseAll() {
	b.mu.Lock()
	entries := make([]*CollectionEntry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	b.entries = make(map[int64]*CollectionEntry)
	b.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.dropped = true
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}
