package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// ControllerHandle identifies a registered controller class. The default
// registry uses the controller's reflect.Type as its handle, matching
// tygor's use of reflect.TypeOf in Endpoint.Metadata (handler.go).
type ControllerHandle = reflect.Type

// ParamDescriptor describes one declared method parameter. The default
// registry derives these from the exported fields of a controller
// method's request struct, one field per parameter — the same
// convention tygor uses for its Req type in Exec/Query handlers.
type ParamDescriptor struct {
	Name        string
	Type        reflect.Type
	Optional    bool
	ValidateTag string
}

// ControllerRegistry resolves controller names to handles and exposes
// their declared actions and method signatures. It is an external
// collaborator; DefaultRegistry is a reflect-based stand-in adequate for
// tests, not a production controller/DI
// container.
type ControllerRegistry interface {
	Resolve(controller string) (ControllerHandle, bool)
	Actions(h ControllerHandle) []string
	Parameters(h ControllerHandle, method string) ([]ParamDescriptor, bool)
	ReturnDescriptor(h ControllerHandle, method string) (Descriptor, bool)
}

// Injector resolves a controller handle to a live instance, standing in
// for an external dependency-injection container.
type Injector interface {
	Instance(h ControllerHandle) (any, error)
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// DefaultRegistry is a reflect-based ControllerRegistry and Injector
// backed by controller instances registered under a name. Methods must
// have the shape func(context.Context, Req) (Res, error): Req's exported
// fields become the action's parameters, Res is the declared return
// descriptor (possibly a generic wrapper).
type DefaultRegistry struct {
	byName    map[string]ControllerHandle
	instances map[ControllerHandle]any
}

// NewDefaultRegistry returns an empty registry.
func NewDefaultRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		byName:    make(map[string]ControllerHandle),
		instances: make(map[ControllerHandle]any),
	}
}

// Register adds a controller instance under name, replacing any prior
// registration for that name.
func (r *DefaultRegistry) Register(name string, instance any) {
	t := reflect.TypeOf(instance)
	r.byName[name] = t
	r.instances[t] = instance
}

func (r *DefaultRegistry) Resolve(controller string) (ControllerHandle, bool) {
	h, ok := r.byName[controller]
	return h, ok
}

func (r *DefaultRegistry) Actions(h ControllerHandle) []string {
	names := make([]string, 0, h.NumMethod())
	for i := 0; i < h.NumMethod(); i++ {
		names = append(names, h.Method(i).Name)
	}
	return names
}

func (r *DefaultRegistry) Parameters(h ControllerHandle, method string) ([]ParamDescriptor, bool) {
	m, ok := h.MethodByName(method)
	if !ok {
		return nil, false
	}
	reqType, ok := methodRequestType(m)
	if !ok {
		return nil, false
	}
	return paramsFromStruct(reqType), true
}

func (r *DefaultRegistry) ReturnDescriptor(h ControllerHandle, method string) (Descriptor, bool) {
	m, ok := h.MethodByName(method)
	if !ok {
		return Descriptor{}, false
	}
	resType, ok := methodResponseType(m)
	if !ok {
		return Descriptor{}, false
	}
	return Descriptor{Name: "result", Type: resType}, true
}

func (r *DefaultRegistry) Instance(h ControllerHandle) (any, error) {
	inst, ok := r.instances[h]
	if !ok {
		return nil, fmt.Errorf("dispatch: no instance registered for %s", h)
	}
	return inst, nil
}

// methodRequestType extracts Req from a reflect.Method whose Func has
// signature func(receiver, context.Context, Req) (Res, error).
func methodRequestType(m reflect.Method) (reflect.Type, bool) {
	ft := m.Func.Type()
	if ft.NumIn() != 3 || ft.NumOut() != 2 {
		return nil, false
	}
	if ft.In(1) != contextType {
		return nil, false
	}
	if ft.Out(1) != errorType {
		return nil, false
	}
	return ft.In(2), true
}

// methodResponseType extracts the declared Res type from the same shape.
func methodResponseType(m reflect.Method) (reflect.Type, bool) {
	ft := m.Func.Type()
	if ft.NumIn() != 3 || ft.NumOut() != 2 {
		return nil, false
	}
	if ft.Out(1) != errorType {
		return nil, false
	}
	return ft.Out(0), true
}

// paramsFromStruct builds ParamDescriptors from a request struct's
// exported fields, using `json` for the wire name and `validate` for the
// validation tag — the same tags tygor's handlers already use.
func paramsFromStruct(t reflect.Type) []ParamDescriptor {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	params := make([]ParamDescriptor, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag := f.Tag.Get("json"); tag != "" {
			name = strings.Split(tag, ",")[0]
		}
		validateTag := f.Tag.Get("validate")
		optional := f.Type.Kind() == reflect.Pointer || !strings.Contains(validateTag, "required")
		params = append(params, ParamDescriptor{
			Name:        name,
			Type:        f.Type,
			Optional:    optional,
			ValidateTag: validateTag,
		})
	}
	return params
}
