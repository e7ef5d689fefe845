// Package handler provides reflection-based handler execution for the jobs package.
package handler

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	argsType    = reflect.TypeOf(core.Args(nil))
)

// Handler holds metadata about a registered perform function.
type Handler struct {
	Fn         reflect.Value
	HasContext bool
	// Params are the positional parameter types, excluding the context.
	Params   []reflect.Type
	Variadic bool
	// Raw is set when the function takes core.Args and decodes them itself.
	Raw bool
}

// NewHandler creates a Handler from a function of the form
//
//	func([ctx context.Context,] a1 T1, a2 T2, ...[, rest ...Tn]) error
//
// Each positional job argument is JSON-decoded into the matching parameter.
// A function taking a single core.Args receives the arguments undecoded.
// The function may also return (T, error); T is discarded.
func NewHandler(fn any) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)
	if fnVal.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}
	if fnVal.IsNil() {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	h := &Handler{Fn: fnVal, Variadic: fnType.IsVariadic()}

	start := 0
	if fnType.NumIn() > 0 && fnType.In(0).Implements(contextType) {
		h.HasContext = true
		start = 1
	}
	for i := start; i < fnType.NumIn(); i++ {
		h.Params = append(h.Params, fnType.In(i))
	}
	if len(h.Params) == 1 && !h.Variadic && h.Params[0] == argsType {
		h.Raw = true
	}

	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(errorType) {
			return nil, fmt.Errorf("handler must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(errorType) {
			return nil, fmt.Errorf("handler must return (T, error)")
		}
	default:
		return nil, fmt.Errorf("handler must return error or (T, error)")
	}

	return h, nil
}

// Arity describes the accepted argument count, e.g. "2" or "1+".
func (h *Handler) Arity() string {
	if h.Raw {
		return "any"
	}
	if h.Variadic {
		return fmt.Sprintf("%d+", len(h.Params)-1)
	}
	return fmt.Sprintf("%d", len(h.Params))
}

// Execute decodes args into the function's parameters and calls it.
func (h *Handler) Execute(ctx context.Context, args core.Args) error {
	if !h.Fn.IsValid() || h.Fn.IsNil() {
		return fmt.Errorf("handler function is nil or invalid")
	}

	var in []reflect.Value
	if h.HasContext {
		in = append(in, reflect.ValueOf(ctx))
	}

	if h.Raw {
		in = append(in, reflect.ValueOf(args))
		return h.result(h.Fn.Call(in))
	}

	fixed := len(h.Params)
	if h.Variadic {
		fixed--
	}
	if len(args) < fixed || (!h.Variadic && len(args) > fixed) {
		return fmt.Errorf("wrong number of arguments (given %d, expected %s)", len(args), h.Arity())
	}

	for i := 0; i < fixed; i++ {
		v, err := decode(args, i, h.Params[i])
		if err != nil {
			return err
		}
		in = append(in, v)
	}

	if !h.Variadic {
		return h.result(h.Fn.Call(in))
	}

	sliceType := h.Params[fixed]
	rest := reflect.MakeSlice(sliceType, 0, len(args)-fixed)
	for i := fixed; i < len(args); i++ {
		v, err := decode(args, i, sliceType.Elem())
		if err != nil {
			return err
		}
		rest = reflect.Append(rest, v)
	}
	in = append(in, rest)
	return h.result(h.Fn.CallSlice(in))
}

func decode(args core.Args, i int, t reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(t)
	if err := args.Decode(i, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to unmarshal arg %d into %s: %w", i, t, err)
	}
	return ptr.Elem(), nil
}

func (h *Handler) result(results []reflect.Value) error {
	last := results[len(results)-1]
	if last.IsNil() {
		return nil
	}
	return last.Interface().(error)
}
