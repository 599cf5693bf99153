package dispatch

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

var defaultValidator = validator.New()

func defaultValidate(v any) error {
	return defaultValidator.Struct(v)
}

// Dispatcher is the top-level entry point: it owns a connection's
// TypeCache, StreamRegistry and CollectionBridge, and routes every
// inbound Message to the Invoker or the ControlHandler.
//
// A Dispatcher is built for one logical connection and is not safe to
// share across connections — each gets its own call-ID namespace and
// resource tables. Its exported state is only guarded where concurrent
// access is actually expected; the primary target is a single goroutine
// driving one Dispatcher at a time.
type Dispatcher struct {
	logger *slog.Logger

	registry ControllerRegistry
	injector Injector
	encoder  *ErrorEncoder

	types       *TypeCache
	streams     *StreamRegistry
	collections *CollectionBridge
	control     *ControlHandler
	invoker     *Invoker

	scheduler Scheduler
	authHook  AuthHook
}

// NewDispatcher builds a Dispatcher against a controller registry and
// injector, using the reference reflect+validator SchemaSystem and a
// goroutine-backed Scheduler. Use the With* methods to override any of
// these before serving the first message.
func NewDispatcher(registry ControllerRegistry, injector Injector) *Dispatcher {
	encoder := NewErrorEncoder()
	scheduler := Scheduler(GoroutineScheduler{})

	d := &Dispatcher{
		logger:      slog.Default(),
		registry:    registry,
		injector:    injector,
		encoder:     encoder,
		types:       NewTypeCache(registry, NewDefaultSchemaSystem(defaultValidate)),
		streams:     NewStreamRegistry(encoder),
		collections: NewCollectionBridge(scheduler, encoder),
		scheduler:   scheduler,
	}
	d.control = NewControlHandler(d.streams, d.collections, encoder)
	d.rebuildInvoker()
	return d
}

// WithLogger overrides the Dispatcher's logger.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// WithErrorTransform installs an application-level error classifier
// consulted before the default mapping.
func (d *Dispatcher) WithErrorTransform(fn func(err error) *WireError) *Dispatcher {
	d.encoder.Transform = fn
	return d
}

// WithStreamScheduler overrides the Scheduler used for collection change
// batching — tests should pass a ManualScheduler.
func (d *Dispatcher) WithStreamScheduler(scheduler Scheduler) *Dispatcher {
	d.scheduler = scheduler
	d.collections = NewCollectionBridge(scheduler, d.encoder)
	d.control = NewControlHandler(d.streams, d.collections, d.encoder)
	d.rebuildInvoker()
	return d
}

// WithSchemaSystem overrides the reference SchemaSystem, e.g. to plug in
// a real JIT-compiled one.
func (d *Dispatcher) WithSchemaSystem(schema SchemaSystem) *Dispatcher {
	d.types = NewTypeCache(d.registry, schema)
	d.rebuildInvoker()
	return d
}

// WithAuthHook installs a hook consulted before every controller method
// invocation. The dispatcher takes no position on authorization policy
// itself — this is only the seam.
func (d *Dispatcher) WithAuthHook(hook AuthHook) *Dispatcher {
	d.authHook = hook
	d.rebuildInvoker()
	return d
}

func (d *Dispatcher) rebuildInvoker() {
	d.invoker = NewInvoker(d.types, d.registry, d.injector, d.encoder, d.streams, d.collections, d.authHook)
}

// HandleMessage routes one inbound Message to the Invoker or
// ControlHandler according to its type. sink is the transport's
// per-connection outbound multiplexer.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg Message, sink FrameSink) error {
	d.logger.Debug("dispatch message", slog.String("type", string(msg.Type)), slog.Int64("id", msg.ID))

	switch msg.Type {
	case TypeAction:
		return d.invoker.HandleAction(ctx, msg, sink)
	case TypeActionType:
		return d.invoker.HandleActionType(msg, newResponseChannel(msg.ID, sink, d.encoder))
	case TypeActionObservableSubscribe,
		TypeActionObservableUnsubscribe,
		TypeActionObservableSubjectUnsubscribe,
		TypeResponseActionCollectionUnsubscribe:
		return d.control.Handle(msg, sink)
	default:
		d.logger.Error("unhandled message type", slog.String("type", string(msg.Type)))
		return sink.Send(Frame{
			ID:   msg.ID,
			Type: TypeError,
			Body: d.encoder.Encode(NewDispatchError(KindInternal, "unhandled message type %q", msg.Type)),
		})
	}
}

// Close cancels every outstanding stream subscription and collection
// subscription, for use when the owning transport connection tears down.
func (d *Dispatcher) Close() {
	d.streams.CloseAll()
	d.collections.CloseAll()
}
