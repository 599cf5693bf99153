package dispatch

import (
	"encoding/json"
	"reflect"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// RawStream, RawCollection and RawFuture are push-source/collection/
// future wrappers with no declared element type. Go generics always
// carry an element type once instantiated (you cannot write a method
// returning the bare, uninstantiated `Stream`), so these exist purely to
// simulate an external declaration missing its template argument —
// loadTypes rejects them with MissingGeneric. Ordinary controllers use
// Stream[T]/Collection[T,ID]/Future[T].
type RawStream struct{}

func (RawStream) wrapperKind() wrapperKind { return wrapperPushSource }
func (RawStream) elemType() reflect.Type   { return nil }

type RawCollection struct{}

func (RawCollection) wrapperKind() wrapperKind { return wrapperCollection }
func (RawCollection) elemType() reflect.Type   { return nil }

type RawFuture struct{}

func (RawFuture) wrapperKind() wrapperKind { return wrapperFuture }
func (RawFuture) elemType() reflect.Type   { return nil }

func wrapperKindName(k wrapperKind) string {
	switch k {
	case wrapperPushSource:
		return "push-source"
	case wrapperCollection:
		return "collection"
	case wrapperFuture:
		return "future"
	default:
		return "unknown"
	}
}

// SchemaSystem compiles an args struct type into a decoder and validator.
// NewDefaultSchemaSystem returns a reflect + encoding/json + validator.v10
// stand-in, grounded on the exact same combination tygor's handler.go
// uses for its own request decode/validate step — there is no JIT
// codegen here, just reflection.
type SchemaSystem interface {
	CompileDecoder(reqType reflect.Type) func(body []byte) (reflect.Value, error)
	CompileValidator(reqType reflect.Type, params []ParamDescriptor) func(v reflect.Value) []ValidationFailure
}

// ActionTypes is the per (controller, method) derived codec/validator
// bundle. Immutable after TypeCache.LoadTypes first returns it.
type ActionTypes struct {
	Controller string
	Method     string

	ReqType    reflect.Type
	Parameters []ParamDescriptor
	ArgsSchema *Schema

	ResultProperty   Descriptor
	ResultSchema     *Schema
	StreamItemSchema *Schema
	Wrapper          wrapperKind

	argsDecode   func(body []byte) (reflect.Value, error)
	argsValidate func(v reflect.Value) []ValidationFailure

	// CollectionItemsSchema is the `{ v: array<T> }` shape a collection
	// result's initial Set frame carries, built once alongside the rest
	// of ActionTypes rather than lazily. HandleActionType reports it as
	// the result shape of a collection action.
	CollectionItemsSchema *Schema
}

// DecodeArgs decodes a raw action-call body into the native argument
// value.
func (a *ActionTypes) DecodeArgs(body []byte) (reflect.Value, error) {
	return a.argsDecode(body)
}

// ValidateArgs runs the compiled validator over a decoded argument value.
func (a *ActionTypes) ValidateArgs(v reflect.Value) []ValidationFailure {
	return a.argsValidate(v)
}

// TypeCache produces a memoized ActionTypes per (controller, method),
// built lazily. Loading is collapsed through a singleflight.Group so
// concurrent first-loads for the same key share one builder and the
// cache never hands out a partially-constructed entry.
type TypeCache struct {
	registry ControllerRegistry
	schema   SchemaSystem

	group singleflight.Group
	mu    sync.RWMutex
	byKey map[string]*ActionTypes
}

// NewTypeCache builds an empty TypeCache against the given registry and
// schema system.
func NewTypeCache(registry ControllerRegistry, schema SchemaSystem) *TypeCache {
	return &TypeCache{
		registry: registry,
		schema:   schema,
		byKey:    make(map[string]*ActionTypes),
	}
}

// LoadTypes returns the memoized ActionTypes for (controller, method),
// building it on first access.
func (c *TypeCache) LoadTypes(controller, method string) (*ActionTypes, error) {
	key := controller + "." + method

	c.mu.RLock()
	if at, ok := c.byKey[key]; ok {
		c.mu.RUnlock()
		return at, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		if at, ok := c.byKey[key]; ok {
			c.mu.RUnlock()
			return at, nil
		}
		c.mu.RUnlock()

		at, buildErr := c.build(controller, method)
		if buildErr != nil {
			return nil, buildErr
		}

		c.mu.Lock()
		c.byKey[key] = at
		c.mu.Unlock()
		return at, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ActionTypes), nil
}

func (c *TypeCache) build(controller, method string) (*ActionTypes, error) {
	handle, ok := c.registry.Resolve(controller)
	if !ok {
		return nil, NewDispatchError(KindUnknownController, "unknown controller %q", controller)
	}

	params, ok := c.registry.Parameters(handle, method)
	if !ok {
		return nil, NewDispatchError(KindUnknownAction, "controller %q has no action %q", controller, method)
	}

	resultDesc, ok := c.registry.ReturnDescriptor(handle, method)
	if !ok {
		return nil, NewDispatchError(KindUnknownAction, "controller %q has no action %q", controller, method)
	}

	// argsSchema from cloned parameter descriptors.
	argsSchema := NewSchema()
	for _, p := range params {
		argsSchema.Register(Descriptor{Name: p.Name, Type: p.Type, Optional: p.Optional}.Clone())
	}

	// Clone the return descriptor, unwrap one level if it is a wrapper
	// type.
	resultProperty := resultDesc.Clone()
	wrapper := wrapperNone
	if resultProperty.Type.Implements(genericWrapperType) {
		zero := reflect.Zero(resultProperty.Type).Interface().(genericWrapper)
		wrapper = zero.wrapperKind()
		elem := zero.elemType()
		if elem == nil {
			return nil, NewDispatchError(KindMissingGeneric,
				"%s.%s: declared return type is a %s without a declared element type",
				controller, method, wrapperKindName(wrapper))
		}
		resultProperty = Descriptor{Name: resultProperty.Name, Type: elem}
	}

	// Rename to "v", mark optional.
	resultProperty.Name = "v"
	resultProperty.Optional = true

	// Register into a fresh resultSchema.
	resultSchema := NewSchema()
	resultSchema.Register(resultProperty)

	// streamItemSchema clones the standard { id } schema and adds
	// resultProperty.
	streamItemSchema := NewSchema()
	streamItemSchema.Register(Descriptor{Name: "id", Type: reflect.TypeOf(int64(0))})
	streamItemSchema.Register(resultProperty)

	// collectionItemsSchema is the { v: array<T> } shape a collection
	// result's initial Set frame and later Add/Set change frames carry.
	collectionItemsSchema := NewSchema()
	collectionItemsSchema.Register(Descriptor{
		Name: "v",
		Type: reflect.SliceOf(resultProperty.Type),
	})

	// Compile argsDecode/argsValidate.
	reqType, hasReq := methodRequestTypeFor(c.registry, handle, method)
	if !hasReq {
		return nil, NewDispatchError(KindUnknownAction, "controller %q has no action %q", controller, method)
	}
	decode := c.schema.CompileDecoder(reqType)
	validate := c.schema.CompileValidator(reqType, params)

	return &ActionTypes{
		Controller:            controller,
		Method:                method,
		ReqType:               reqType,
		Parameters:            params,
		ArgsSchema:            argsSchema,
		ResultProperty:        resultProperty,
		ResultSchema:          resultSchema,
		StreamItemSchema:      streamItemSchema,
		CollectionItemsSchema: collectionItemsSchema,
		Wrapper:               wrapper,
		argsDecode:            decode,
		argsValidate:          validate,
	}, nil
}

// methodRequestTypeFor asks the registry for the request type via its
// concrete method lookup when it is a DefaultRegistry, else falls back to
// reconstructing a struct type from the parameter descriptors — any
// ControllerRegistry implementation can support the latter path since it
// only needs Parameters().
func methodRequestTypeFor(reg ControllerRegistry, h ControllerHandle, method string) (reflect.Type, bool) {
	if _, ok := reg.(*DefaultRegistry); ok {
		m, ok := h.MethodByName(method)
		if !ok {
			return nil, false
		}
		return methodRequestType(m)
	}
	params, ok := reg.Parameters(h, method)
	if !ok {
		return nil, false
	}
	return syntheticStructType(params), true
}

// syntheticStructType builds an anonymous struct type mirroring the given
// parameters, for ControllerRegistry implementations that cannot hand
// back a concrete Go request type directly.
func syntheticStructType(params []ParamDescriptor) reflect.Type {
	fields := make([]reflect.StructField, 0, len(params))
	for i, p := range params {
		fields = append(fields, reflect.StructField{
			Name: "F" + strconv.Itoa(i),
			Type: p.Type,
			Tag:  reflect.StructTag(`json:"` + p.Name + `"`),
		})
	}
	return reflect.StructOf(fields)
}

// defaultSchemaSystem is the reference SchemaSystem implementation.
type defaultSchemaSystem struct {
	validate ValidatorFunc
}

// ValidatorFunc validates a struct value, returning nil if valid. The
// default implementation is *validator.Validate.Struct.
type ValidatorFunc func(v any) error

// NewDefaultSchemaSystem builds the reference SchemaSystem backed by
// validate.
func NewDefaultSchemaSystem(validate ValidatorFunc) SchemaSystem {
	return &defaultSchemaSystem{validate: validate}
}

func (s *defaultSchemaSystem) CompileDecoder(reqType reflect.Type) func([]byte) (reflect.Value, error) {
	elemType := reqType
	isPtr := elemType.Kind() == reflect.Pointer
	if isPtr {
		elemType = elemType.Elem()
	}
	return func(body []byte) (reflect.Value, error) {
		ptr := reflect.New(elemType)
		if len(body) > 0 {
			if err := json.Unmarshal(body, ptr.Interface()); err != nil {
				return reflect.Value{}, NewDispatchError(KindValidation, "failed to decode args: %v", err)
			}
		}
		if isPtr {
			return ptr, nil
		}
		return ptr.Elem(), nil
	}
}

func (s *defaultSchemaSystem) CompileValidator(reqType reflect.Type, params []ParamDescriptor) func(reflect.Value) []ValidationFailure {
	return func(v reflect.Value) []ValidationFailure {
		if s.validate == nil {
			return nil
		}
		if err := s.validate(v.Interface()); err != nil {
			we := DefaultErrorTransform(err)
			if len(we.Failures) > 0 {
				return we.Failures
			}
			return []ValidationFailure{{Message: we.Message}}
		}
		return nil
	}
}
