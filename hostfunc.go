package microvm

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/blacktop/go-microvm/internal/wire"
)

// Tag is the wire type of a value crossing the sandbox boundary.
type Tag = wire.Tag

// Value tags.
const (
	TagVoid   = wire.TagVoid
	TagI32    = wire.TagI32
	TagU32    = wire.TagU32
	TagI64    = wire.TagI64
	TagU64    = wire.TagU64
	TagF32    = wire.TagF32
	TagF64    = wire.TagF64
	TagBool   = wire.TagBool
	TagString = wire.TagString
	TagBytes  = wire.TagBytes
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
	bytesType   = reflect.TypeFor[[]byte]()
)

// tagOf maps a Go type onto its wire tag. int and uint travel as 64 bit.
func tagOf(t reflect.Type) (Tag, bool) {
	if t == bytesType {
		return TagBytes, true
	}
	switch t.Kind() {
	case reflect.Int32:
		return TagI32, true
	case reflect.Uint32:
		return TagU32, true
	case reflect.Int64, reflect.Int:
		return TagI64, true
	case reflect.Uint64, reflect.Uint:
		return TagU64, true
	case reflect.Float32:
		return TagF32, true
	case reflect.Float64:
		return TagF64, true
	case reflect.Bool:
		return TagBool, true
	case reflect.String:
		return TagString, true
	}
	return TagVoid, false
}

// wireTypes are the Go types wire.Value.Data holds for each tag.
var wireTypes = map[Tag]reflect.Type{
	TagI32:    reflect.TypeFor[int32](),
	TagU32:    reflect.TypeFor[uint32](),
	TagI64:    reflect.TypeFor[int64](),
	TagU64:    reflect.TypeFor[uint64](),
	TagF32:    reflect.TypeFor[float32](),
	TagF64:    reflect.TypeFor[float64](),
	TagBool:   reflect.TypeFor[bool](),
	TagString: reflect.TypeFor[string](),
	TagBytes:  bytesType,
}

// HostFunction is a Go function the guest can call.
type HostFunction struct {
	name   string
	fn     reflect.Value
	params []Tag
	ret    Tag
	hasCtx bool
	hasErr bool
}

// Name returns the name the guest calls the function by.
func (h *HostFunction) Name() string { return h.name }

// Params returns the parameter tags.
func (h *HostFunction) Params() []Tag { return append([]Tag(nil), h.params...) }

// Returns returns the result tag.
func (h *HostFunction) Returns() Tag { return h.ret }

// Signature formats the function as name(tags) tag.
func (h *HostFunction) Signature() string {
	s := h.name + "("
	for i, p := range h.params {
		if i > 0 {
			s += ", "
		}
		s += p.String()
	}
	return s + ") " + h.ret.String()
}

func newHostFunction(name string, fn any) (*HostFunction, error) {
	if name == "" {
		return nil, fmt.Errorf("host function name is empty")
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("host function %q: %T is not a function", name, fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("host function %q: variadic functions are not supported", name)
	}

	h := &HostFunction{name: name, fn: v, ret: TagVoid}
	in := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		h.hasCtx = true
		in = 1
	}
	for i := in; i < t.NumIn(); i++ {
		tag, ok := tagOf(t.In(i))
		if !ok {
			return nil, fmt.Errorf("host function %q: parameter %d has unsupported type %s", name, i, t.In(i))
		}
		h.params = append(h.params, tag)
	}

	out := t.NumOut()
	if out > 0 && t.Out(out-1) == errorType {
		h.hasErr = true
		out--
	}
	switch out {
	case 0:
	case 1:
		tag, ok := tagOf(t.Out(0))
		if !ok {
			return nil, fmt.Errorf("host function %q: result has unsupported type %s", name, t.Out(0))
		}
		h.ret = tag
	default:
		return nil, fmt.Errorf("host function %q: at most one result besides error", name)
	}
	return h, nil
}

// Invoke checks args against the signature and calls the function. A panic
// in the function is returned as an error.
func (h *HostFunction) Invoke(ctx context.Context, args []wire.Value) (v wire.Value, err error) {
	if len(args) != len(h.params) {
		return wire.Value{}, fmt.Errorf("%s takes %d arguments, got %d", h.name, len(h.params), len(args))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("host function %s panicked: %v", h.name, r)
		}
	}()

	t := h.fn.Type()
	in := make([]reflect.Value, 0, t.NumIn())
	if h.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range args {
		if a.Tag != h.params[i] {
			return wire.Value{}, fmt.Errorf("%s argument %d is %s, got %s", h.name, i, h.params[i], a.Tag)
		}
		in = append(in, reflect.ValueOf(a.Data).Convert(t.In(len(in))))
	}

	out := h.fn.Call(in)

	if h.hasErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return wire.Value{}, e.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	if h.ret == TagVoid {
		return wire.Void, nil
	}
	return wire.Value{Tag: h.ret, Data: out[0].Convert(wireTypes[h.ret]).Interface()}, nil
}

// HostRegistry maps names to host functions.
type HostRegistry struct {
	mu    sync.RWMutex
	funcs map[string]*HostFunction
}

// NewHostRegistry returns an empty registry.
func NewHostRegistry() *HostRegistry {
	return &HostRegistry{funcs: make(map[string]*HostFunction)}
}

// DefaultRegistry is consulted after a sandbox's own registry.
var DefaultRegistry = NewHostRegistry()

// Register adds fn under name, replacing any previous function. fn may take
// a leading context.Context, then parameters of the wire types, and return
// at most one wire-typed value plus an optional trailing error.
func (r *HostRegistry) Register(name string, fn any) error {
	h, err := newHostFunction(name, fn)
	if err != nil {
		return newError(KindSetup, "register", err, "")
	}
	r.mu.Lock()
	r.funcs[name] = h
	r.mu.Unlock()
	return nil
}

// MustRegister is like Register but panics on error.
func (r *HostRegistry) MustRegister(name string, fn any) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the function registered under name.
func (r *HostRegistry) Lookup(name string) (*HostFunction, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.funcs[name]
	return h, ok
}

// Names returns the registered names in order.
func (r *HostRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Unregister removes name.
func (r *HostRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.funcs, name)
	r.mu.Unlock()
}

// RegisterHostFunction adds fn to DefaultRegistry.
func RegisterHostFunction(name string, fn any) error {
	return DefaultRegistry.Register(name, fn)
}
