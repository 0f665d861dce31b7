package deploy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Errors returned by reflective bindings. The container classifies both as
// system failures.
var (
	ErrNilInstance     = errors.New("nil bean instance")
	ErrIllegalArgument = errors.New("illegal argument")
	ErrNotBindable     = errors.New("bean method cannot be bound")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Reflect resolves the bean method named beanMethod on proto's type once and
// returns a Func that calls it. The bean method may take a leading
// context.Context, followed by the call arguments, and may return
// (T, error), (error), (T) or nothing.
func Reflect(proto EntityBean, beanMethod string) (Func, error) {
	if proto == nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotBindable, beanMethod, ErrNilInstance)
	}
	typ := reflect.TypeOf(proto)
	m, ok := typ.MethodByName(beanMethod)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no method %s", ErrNotBindable, typ, beanMethod)
	}
	mt := m.Type // receiver is In(0)
	if mt.IsVariadic() {
		return nil, fmt.Errorf("%w: %s.%s is variadic", ErrNotBindable, typ, beanMethod)
	}

	first := 1
	takesCtx := mt.NumIn() > 1 && mt.In(1) == contextType
	if takesCtx {
		first = 2
	}
	params := make([]reflect.Type, 0, mt.NumIn()-first)
	for i := first; i < mt.NumIn(); i++ {
		params = append(params, mt.In(i))
	}

	returnsErr := mt.NumOut() > 0 && mt.Out(mt.NumOut()-1) == errorType
	valueOuts := mt.NumOut()
	if returnsErr {
		valueOuts--
	}
	if valueOuts > 1 {
		return nil, fmt.Errorf("%w: %s.%s returns %d values", ErrNotBindable, typ, beanMethod, mt.NumOut())
	}

	index := m.Index
	return func(ctx context.Context, bean EntityBean, args []any) (any, error) {
		v := reflect.ValueOf(bean)
		if !v.IsValid() || (v.Kind() == reflect.Ptr && v.IsNil()) {
			return nil, ErrNilInstance
		}
		if v.Type() != typ {
			return nil, fmt.Errorf("%w: instance type %s, binding type %s", ErrIllegalArgument, v.Type(), typ)
		}
		if len(args) != len(params) {
			return nil, fmt.Errorf("%w: %s wants %d arguments, got %d", ErrIllegalArgument, beanMethod, len(params), len(args))
		}

		in := make([]reflect.Value, 0, len(params)+1)
		if takesCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		for i, arg := range args {
			pt := params[i]
			if arg == nil {
				switch pt.Kind() {
				case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
					in = append(in, reflect.Zero(pt))
					continue
				}
				return nil, fmt.Errorf("%w: argument %d of %s is nil", ErrIllegalArgument, i, beanMethod)
			}
			av := reflect.ValueOf(arg)
			switch {
			case av.Type().AssignableTo(pt):
			case av.Type().ConvertibleTo(pt) && av.Kind() != reflect.String && pt.Kind() != reflect.String:
				av = av.Convert(pt)
			default:
				return nil, fmt.Errorf("%w: argument %d of %s is %s, want %s", ErrIllegalArgument, i, beanMethod, av.Type(), pt)
			}
			in = append(in, av)
		}

		out := v.Method(index).Call(in)

		var err error
		if returnsErr {
			if e := out[len(out)-1]; !e.IsNil() {
				err = e.Interface().(error)
			}
			out = out[:len(out)-1]
		}
		if len(out) == 0 {
			return nil, err
		}
		return out[0].Interface(), err
	}, nil
}

// MustReflect is Reflect for package-level binding tables; it panics on error.
func MustReflect(proto EntityBean, beanMethod string) Func {
	fn, err := Reflect(proto, beanMethod)
	if err != nil {
		panic(err)
	}
	return fn
}
