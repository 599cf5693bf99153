package dispatch

import (
	"reflect"
	"sync"
)

// ChangeEventKind is the closed set of collection change events.
type ChangeEventKind int

const (
	ChangeAdd ChangeEventKind = iota
	ChangeRemove
	ChangeSet
	ChangeState
)

// ChangeEvent is one event from a Collection's change feed. Which fields
// are populated depends on Kind; Set carries no payload of its own since
// the bridge must call All() again at emit time rather than trust the
// event.
type ChangeEvent struct {
	Kind       ChangeEventKind
	Added      []any
	RemovedIDs []any
	State      any
}

// anyCollection is the type-erased facade CollectionBridge operates on.
type anyCollection interface {
	Model() any
	State() any
	AllAny() []any
	SubscribeChanges(onChange func(ChangeEvent)) (cancel func())
}

// Collection is an in-memory, observable set of items with a query model,
// a state, a snapshot, and a change feed emitting add/remove/set/state
// events.
type Collection[T any, ID comparable] struct {
	mu         sync.RWMutex
	model      any
	state      any
	items      map[ID]T
	order      []ID
	idOf       func(T) ID
	changeSubs map[int64]func(ChangeEvent)
	nextSub    int64
}

// NewCollection creates a Collection with the given query model and a
// function extracting each item's ID (used for ordering and removal).
func NewCollection[T any, ID comparable](model any, idOf func(T) ID) *Collection[T, ID] {
	return &Collection[T, ID]{
		model:      model,
		items:      make(map[ID]T),
		idOf:       idOf,
		changeSubs: make(map[int64]func(ChangeEvent)),
	}
}

func (c *Collection[T, ID]) Model() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

func (c *Collection[T, ID]) State() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// All returns a snapshot of the current items in insertion order.
func (c *Collection[T, ID]) All() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// AllAny is All erased to []any, used by CollectionBridge so it need not
// know T.
func (c *Collection[T, ID]) AllAny() []any {
	items := c.All()
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// SetState replaces the collection's state and emits a state change.
func (c *Collection[T, ID]) SetState(state any) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.emit(ChangeEvent{Kind: ChangeState, State: state})
}

// Add inserts items (or overwrites existing ones sharing an ID) and
// emits one add event.
func (c *Collection[T, ID]) Add(items ...T) {
	if len(items) == 0 {
		return
	}
	c.mu.Lock()
	added := make([]any, 0, len(items))
	for _, it := range items {
		id := c.idOf(it)
		if _, exists := c.items[id]; !exists {
			c.order = append(c.order, id)
		}
		c.items[id] = it
		added = append(added, it)
	}
	c.mu.Unlock()
	c.emit(ChangeEvent{Kind: ChangeAdd, Added: added})
}

// Remove drops items by ID and emits one remove event naming the IDs
// actually present.
func (c *Collection[T, ID]) Remove(ids ...ID) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	removed := make([]any, 0, len(ids))
	for _, id := range ids {
		if _, exists := c.items[id]; !exists {
			continue
		}
		delete(c.items, id)
		for i, oid := range c.order {
			if oid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		removed = append(removed, id)
	}
	c.mu.Unlock()
	if len(removed) > 0 {
		c.emit(ChangeEvent{Kind: ChangeRemove, RemovedIDs: removed})
	}
}

// Reset replaces the whole item set and emits a full resnap event.
func (c *Collection[T, ID]) Reset(items ...T) {
	c.mu.Lock()
	c.items = make(map[ID]T, len(items))
	c.order = c.order[:0]
	for _, it := range items {
		id := c.idOf(it)
		c.order = append(c.order, id)
		c.items[id] = it
	}
	c.mu.Unlock()
	c.emit(ChangeEvent{Kind: ChangeSet})
}

// SubscribeChanges registers a raw change listener; CollectionBridge is
// the intended caller.
func (c *Collection[T, ID]) SubscribeChanges(onChange func(ChangeEvent)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.changeSubs[id] = onChange
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.changeSubs, id)
		c.mu.Unlock()
	}
}

func (c *Collection[T, ID]) emit(evt ChangeEvent) {
	c.mu.RLock()
	subs := make([]func(ChangeEvent), 0, len(c.changeSubs))
	for _, f := range c.changeSubs {
		subs = append(subs, f)
	}
	c.mu.RUnlock()
	for _, f := range subs {
		f(evt)
	}
}

func (*Collection[T, ID]) wrapperKind() wrapperKind { return wrapperCollection }
func (*Collection[T, ID]) elemType() reflect.Type   { return reflect.TypeOf((*T)(nil)).Elem() }
