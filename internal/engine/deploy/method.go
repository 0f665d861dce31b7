package deploy

import (
	"context"
	"fmt"
	"strings"
)

// Kind classifies a bound method for dispatch.
type Kind int

const (
	KindBusiness Kind = iota
	KindCreate
	KindFind
	KindHome
	KindRemove
	KindTimeout
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindBusiness:
		return "business"
	case KindCreate:
		return "create"
	case KindFind:
		return "find"
	case KindHome:
		return "home"
	case KindRemove:
		return "remove"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// KindFor derives the kind of a method from its name and whether it is
// declared on the home interface.
func KindFor(name string, home bool) Kind {
	lower := strings.ToLower(name)
	if home {
		switch {
		case strings.HasPrefix(lower, "create"):
			return KindCreate
		case strings.HasPrefix(lower, "find"):
			return KindFind
		case lower == "remove":
			return KindRemove
		default:
			return KindHome
		}
	}
	if lower == "remove" {
		return KindRemove
	}
	return KindBusiness
}

// Func is a method binding resolved at deploy time.
//
// A returned error is an application failure when it was declared with
// failure.Application or matches one of the deployment's application errors;
// anything else, including a panic, is a system failure.
type Func func(ctx context.Context, bean EntityBean, args []any) (any, error)

// Method is one entry of a deployment's method table.
type Method struct {
	// Name is the client-visible method name and the table key.
	Name string

	// Interface is the business interface the method is declared on.
	// Empty means the deployment's default interface.
	Interface string

	Kind Kind

	// Invoke is the bean-side binding. Remove methods may leave it nil.
	Invoke Func

	// PostCreate runs after Invoke for create methods, in the same transaction.
	PostCreate Func
}

// Create binds a create method and its post-create companion.
func Create(name string, create, postCreate Func) *Method {
	return &Method{Name: name, Kind: KindCreate, Invoke: create, PostCreate: postCreate}
}

// Finder binds a finder. fn returns a primary key, a []any of keys, or an
// *Enumeration of keys.
func Finder(name string, fn Func) *Method {
	return &Method{Name: name, Kind: KindFind, Invoke: fn}
}

// Home binds a home method that is neither create nor find.
func Home(name string, fn Func) *Method {
	return &Method{Name: name, Kind: KindHome, Invoke: fn}
}

// Business binds a business method.
func Business(name string, fn Func) *Method {
	return &Method{Name: name, Kind: KindBusiness, Invoke: fn}
}

// Timeout binds a timer callback.
func Timeout(name string, fn Func) *Method {
	return &Method{Name: name, Kind: KindTimeout, Invoke: fn}
}

// Remove declares the remove method. The bean's Remove callback is the binding.
func Remove(name string) *Method {
	return &Method{Name: name, Kind: KindRemove}
}

// OnInterface sets the business interface and returns m.
func (m *Method) OnInterface(iface string) *Method {
	m.Interface = iface
	return m
}

// Enumeration is an ordered, single-pass sequence returned by finders that
// want enumeration shape rather than a collection.
type Enumeration struct {
	items []any
	pos   int
}

// NewEnumeration creates an enumeration over items.
func NewEnumeration(items ...any) *Enumeration {
	return &Enumeration{items: items}
}

// HasMore reports whether Next will return another element.
func (e *Enumeration) HasMore() bool {
	return e != nil && e.pos < len(e.items)
}

// Next returns the next element. It returns nil once exhausted.
func (e *Enumeration) Next() any {
	if !e.HasMore() {
		return nil
	}
	item := e.items[e.pos]
	e.pos++
	return item
}

// Len returns the total number of elements.
func (e *Enumeration) Len() int {
	if e == nil {
		return 0
	}
	return len(e.items)
}
