// Package deploy holds deployment metadata for hosted entity beans: identity,
// bean factory, the pre-resolved method table, transaction attributes and
// required roles, and the process-wide copy-on-write registry.
package deploy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common errors
var (
	ErrInvalidDeployment = errors.New("invalid deployment")
	ErrAlreadyDeployed   = errors.New("deployment already registered")
	ErrDuplicateMethod   = errors.New("duplicate method binding")
	ErrUnknownAttribute  = errors.New("unknown transaction attribute")
)

// TxAttribute is a declarative transaction attribute.
type TxAttribute string

const (
	Required     TxAttribute = "Required"
	RequiresNew  TxAttribute = "RequiresNew"
	Supports     TxAttribute = "Supports"
	NotSupported TxAttribute = "NotSupported"
	Mandatory    TxAttribute = "Mandatory"
	Never        TxAttribute = "Never"
)

// ParseTxAttribute accepts the canonical names case-insensitively, with or
// without separators.
func ParseTxAttribute(s string) (TxAttribute, error) {
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	switch key {
	case "required":
		return Required, nil
	case "requiresnew":
		return RequiresNew, nil
	case "supports":
		return Supports, nil
	case "notsupported":
		return NotSupported, nil
	case "mandatory":
		return Mandatory, nil
	case "never":
		return Never, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAttribute, s)
}

// MethodDescriptor is the declarative metadata of one method.
type MethodDescriptor struct {
	Transaction string   `yaml:"transaction" json:"transaction,omitempty"`
	Roles       []string `yaml:"roles" json:"roles,omitempty"`
}

// Descriptor is the declarative metadata of a deployment, usually loaded from
// configuration. The method key "*" applies to every method without its own entry.
type Descriptor struct {
	ID          string                      `yaml:"id" json:"id"`
	Interface   string                      `yaml:"interface" json:"interface,omitempty"`
	Reentrant   bool                        `yaml:"reentrant" json:"reentrant"`
	Transaction string                      `yaml:"transaction" json:"transaction,omitempty"`
	Methods     map[string]MethodDescriptor `yaml:"methods" json:"methods,omitempty"`
}

// Deployment is the immutable metadata of one bean type.
type Deployment struct {
	id               string
	iface            string
	factory          Factory
	reentrant        bool
	defaultAttribute TxAttribute
	methods          map[string]*Method
	attributes       map[string]TxAttribute
	roles            map[string][]string
	appErrors        []appError
}

type appError struct {
	err      error
	rollback bool
}

// Option configures a Deployment.
type Option func(*Deployment) error

// WithMethods adds method bindings.
func WithMethods(methods ...*Method) Option {
	return func(d *Deployment) error {
		for _, m := range methods {
			if m == nil || m.Name == "" {
				return fmt.Errorf("%w: method without name", ErrInvalidDeployment)
			}
			if _, exists := d.methods[m.Name]; exists {
				return fmt.Errorf("%w: %s", ErrDuplicateMethod, m.Name)
			}
			if m.Kind != KindRemove && m.Invoke == nil {
				return fmt.Errorf("%w: method %s has no binding", ErrInvalidDeployment, m.Name)
			}
			d.methods[m.Name] = m
		}
		return nil
	}
}

// WithInterface sets the default business interface name.
func WithInterface(iface string) Option {
	return func(d *Deployment) error {
		d.iface = iface
		return nil
	}
}

// WithReentrant allows a call on an identity already on the call chain.
func WithReentrant(reentrant bool) Option {
	return func(d *Deployment) error {
		d.reentrant = reentrant
		return nil
	}
}

// WithTransaction sets the attribute of methods without their own attribute.
func WithTransaction(attr TxAttribute) Option {
	return func(d *Deployment) error {
		d.defaultAttribute = attr
		return nil
	}
}

// WithMethodTransaction sets the attribute of one method.
func WithMethodTransaction(method string, attr TxAttribute) Option {
	return func(d *Deployment) error {
		d.attributes[method] = attr
		return nil
	}
}

// WithRoles sets the roles required to call method. "*" applies to all methods
// without their own entry.
func WithRoles(method string, roles ...string) Option {
	return func(d *Deployment) error {
		d.roles[method] = append([]string(nil), roles...)
		return nil
	}
}

// WithApplicationErrors declares errors that are application failures when a
// binding returns them undeclared.
func WithApplicationErrors(errs ...error) Option {
	return func(d *Deployment) error {
		for _, err := range errs {
			d.appErrors = append(d.appErrors, appError{err: err})
		}
		return nil
	}
}

// WithRollbackApplicationErrors declares application errors that require rollback.
func WithRollbackApplicationErrors(errs ...error) Option {
	return func(d *Deployment) error {
		for _, err := range errs {
			d.appErrors = append(d.appErrors, appError{err: err, rollback: true})
		}
		return nil
	}
}

// WithDescriptor applies declarative metadata.
func WithDescriptor(desc Descriptor) Option {
	return func(d *Deployment) error {
		if desc.Interface != "" {
			d.iface = desc.Interface
		}
		if desc.Reentrant {
			d.reentrant = true
		}
		if desc.Transaction != "" {
			attr, err := ParseTxAttribute(desc.Transaction)
			if err != nil {
				return fmt.Errorf("deployment %s: %w", d.id, err)
			}
			d.defaultAttribute = attr
		}
		for name, md := range desc.Methods {
			if md.Transaction != "" {
				attr, err := ParseTxAttribute(md.Transaction)
				if err != nil {
					return fmt.Errorf("deployment %s method %s: %w", d.id, name, err)
				}
				if name == "*" {
					d.defaultAttribute = attr
				} else {
					d.attributes[name] = attr
				}
			}
			if md.Roles != nil {
				d.roles[name] = append([]string(nil), md.Roles...)
			}
		}
		return nil
	}
}

// New creates a deployment.
func New(id string, factory Factory, opts ...Option) (*Deployment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidDeployment)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: %s has no factory", ErrInvalidDeployment, id)
	}
	d := &Deployment{
		id:               id,
		iface:            id,
		factory:          factory,
		defaultAttribute: Required,
		methods:          make(map[string]*Method),
		attributes:       make(map[string]TxAttribute),
		roles:            make(map[string][]string),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	for name := range d.attributes {
		if _, ok := d.methods[name]; !ok {
			return nil, fmt.Errorf("%w: attribute for unbound method %s", ErrInvalidDeployment, name)
		}
	}
	return d, nil
}

// ID returns the deployment id.
func (d *Deployment) ID() string { return d.id }

// Interface returns the default business interface name.
func (d *Deployment) Interface() string { return d.iface }

// Reentrant reports whether reentrant calls are allowed.
func (d *Deployment) Reentrant() bool { return d.reentrant }

// NewInstance runs the factory.
func (d *Deployment) NewInstance() (EntityBean, error) {
	return d.factory()
}

// Method looks up a method binding.
func (d *Deployment) Method(name string) (*Method, bool) {
	m, ok := d.methods[name]
	return m, ok
}

// Methods returns all bindings sorted by name.
func (d *Deployment) Methods() []*Method {
	out := make([]*Method, 0, len(d.methods))
	for _, m := range d.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InterfaceOf returns the business interface a method is declared on.
func (d *Deployment) InterfaceOf(m *Method) string {
	if m.Interface != "" {
		return m.Interface
	}
	return d.iface
}

// AttributeFor returns the transaction attribute of m.
func (d *Deployment) AttributeFor(m *Method) TxAttribute {
	if attr, ok := d.attributes[m.Name]; ok {
		return attr
	}
	return d.defaultAttribute
}

// RolesFor returns the roles required to call m. Nil means unchecked.
func (d *Deployment) RolesFor(m *Method) []string {
	if roles, ok := d.roles[m.Name]; ok {
		return roles
	}
	return d.roles["*"]
}

// ApplicationError reports whether err matches a declared application error,
// and whether that declaration requires rollback.
func (d *Deployment) ApplicationError(err error) (declared bool, rollback bool) {
	for _, ae := range d.appErrors {
		if errors.Is(err, ae.err) {
			return true, ae.rollback
		}
	}
	return false, false
}
