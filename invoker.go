package dispatch

import (
	"context"
	"encoding/json"
	"reflect"
)

// AuthHook is consulted before a resolved controller method is invoked,
// giving a caller a point to enforce authorization without the
// dispatcher itself taking a position on policy.
type AuthHook func(ctx context.Context, controller, method string, args any) error

// Invoker resolves, validates and executes one Action message, then
// classifies and emits its result.
type Invoker struct {
	types       *TypeCache
	registry    ControllerRegistry
	injector    Injector
	encoder     *ErrorEncoder
	streams     *StreamRegistry
	collections *CollectionBridge
	authHook    AuthHook
}

// NewInvoker wires an Invoker from its collaborators.
func NewInvoker(types *TypeCache, registry ControllerRegistry, injector Injector, encoder *ErrorEncoder, streams *StreamRegistry, collections *CollectionBridge, authHook AuthHook) *Invoker {
	return &Invoker{
		types:       types,
		registry:    registry,
		injector:    injector,
		encoder:     encoder,
		streams:     streams,
		collections: collections,
		authHook:    authHook,
	}
}

// propertyInfo is the wire shape of one schema property in a type
// introspection response.
type propertyInfo struct {
	Name     string `json:"name"`
	Optional bool   `json:"optional"`
}

// actionTypeInfo is the body of ResponseActionType.
type actionTypeInfo struct {
	Parameters []propertyInfo `json:"parameters"`
	Result     []propertyInfo `json:"result"`
}

func schemaToInfo(s *Schema) []propertyInfo {
	out := make([]propertyInfo, 0, len(s.Properties))
	for _, p := range s.Properties {
		out = append(out, propertyInfo{Name: p.Name, Optional: p.Optional})
	}
	return out
}

// HandleActionType answers the ActionType introspection message by
// reporting the declared parameter and result shape for a controller
// method, without invoking it.
func (inv *Invoker) HandleActionType(msg Message, resp ResponseChannel) error {
	var call ActionCall
	if err := json.Unmarshal(msg.Body, &call); err != nil {
		return resp.Error(NewDispatchError(KindInvocation, "malformed action call: %v", err))
	}
	at, err := inv.types.LoadTypes(call.Controller, call.Method)
	if err != nil {
		return resp.Error(err)
	}
	resultSchema := at.ResultSchema
	if at.Wrapper == wrapperCollection {
		resultSchema = at.CollectionItemsSchema
	}
	return resp.Reply(TypeResponseActionType, actionTypeInfo{
		Parameters: schemaToInfo(at.ArgsSchema),
		Result:     schemaToInfo(resultSchema),
	})
}

// HandleAction executes one Action message end to end: resolve types,
// decode and validate arguments, invoke the controller method, classify
// the result and emit the matching response frame. Every failure from
// any step, including a recovered panic from the controller method
// itself, is routed through ErrorEncoder as a single error frame.
func (inv *Invoker) HandleAction(ctx context.Context, msg Message, sink FrameSink) (err error) {
	resp := newResponseChannel(msg.ID, sink, inv.encoder)

	defer func() {
		if r := recover(); r != nil {
			err = resp.Error(NewDispatchError(KindInternal, "controller method panicked: %v", r))
		}
	}()

	var call ActionCall
	if jsonErr := json.Unmarshal(msg.Body, &call); jsonErr != nil {
		return resp.Error(NewDispatchError(KindInvocation, "malformed action call: %v", jsonErr))
	}

	at, loadErr := inv.types.LoadTypes(call.Controller, call.Method)
	if loadErr != nil {
		return resp.Error(loadErr)
	}

	args, decodeErr := at.DecodeArgs(msg.Body)
	if decodeErr != nil {
		return resp.Error(decodeErr)
	}

	if failures := at.ValidateArgs(args); len(failures) > 0 {
		return resp.Error(&DispatchError{
			Kind:     KindValidation,
			Message:  "validation failed",
			Failures: failures,
		})
	}

	handle, ok := inv.registry.Resolve(call.Controller)
	if !ok {
		return resp.Error(NewDispatchError(KindUnknownController, "unknown controller %q", call.Controller))
	}
	instance, instErr := inv.injector.Instance(handle)
	if instErr != nil {
		return resp.Error(NewDispatchError(KindInvocation, "failed to resolve controller %q: %v", call.Controller, instErr))
	}

	if inv.authHook != nil {
		if authErr := inv.authHook(ctx, call.Controller, call.Method, args.Interface()); authErr != nil {
			return resp.Error(authErr)
		}
	}

	result, invokeErr := invokeMethod(ctx, instance, call.Method, args)
	if invokeErr != nil {
		return resp.Error(invokeErr)
	}

	if fut, ok := result.(anyFuture); ok {
		resolved, awaitErr := fut.awaitAny(ctx)
		if awaitErr != nil {
			return resp.Error(NewDispatchError(KindInvocation, "%v", awaitErr))
		}
		result = resolved
	}

	return inv.emit(result, resp, msg.ID, sink)
}

// invokeMethod calls controller.Method(ctx, args) via reflection,
// returning its single non-error result.
func invokeMethod(ctx context.Context, controller any, method string, args reflect.Value) (any, error) {
	rv := reflect.ValueOf(controller)
	m := rv.MethodByName(method)
	if !m.IsValid() {
		return nil, NewDispatchError(KindUnknownAction, "controller has no method %q", method)
	}
	out := m.Call([]reflect.Value{reflect.ValueOf(ctx), args})
	if len(out) != 2 {
		return nil, NewDispatchError(KindInternal, "method %q does not have the expected (result, error) signature", method)
	}
	if errVal := out[1].Interface(); errVal != nil {
		return nil, errVal.(error)
	}
	return out[0].Interface(), nil
}

// emit classifies result and sends the matching response, in the fixed
// order entity-subject -> collection -> push-source -> plain.
func (inv *Invoker) emit(result any, resp ResponseChannel, callID int64, sink FrameSink) error {
	if es, ok := result.(EntitySubject); ok && es.IsEntitySubject() {
		return resp.Reply(TypeResponseEntity, valueBody{V: result})
	}

	if coll, ok := result.(anyCollection); ok {
		inv.collections.Open(callID, coll, sink)
		return nil
	}

	if ps, ok := result.(anyPushSource); ok {
		kind := observableKindOf(ps)
		if err := resp.Reply(TypeResponseActionObservable, ObservableAnnouncement{Type: kind}); err != nil {
			return err
		}
		inv.streams.Register(callID, ps, kind, sink)
		return nil
	}

	return resp.Reply(TypeResponseActionSimple, valueBody{V: result})
}

func observableKindOf(ps anyPushSource) ObservableKind {
	if _, ok := ps.(anyLatched); ok {
		return ObservableLatchedSubject
	}
	if _, ok := ps.(anySubject); ok {
		return ObservableSubject
	}
	return ObservableStream
}
