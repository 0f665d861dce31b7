// Package state provides the state definitions shared across the entity engine:
// the operation phase recorded on a call context and the lifecycle status of a
// pooled bean instance.
package state

import (
	"encoding/json"
	"fmt"
)

// Operation is the phase an invocation is currently executing.
type Operation int32

const (
	// OperationNone means no container operation is in progress.
	OperationNone Operation = iota

	// OperationCreate is the bean's create callback.
	OperationCreate

	// OperationPostCreate is the post-create callback, run in the create's transaction.
	OperationPostCreate

	// OperationFind is a finder home method.
	OperationFind

	// OperationHome is a non-create, non-find home method.
	OperationHome

	// OperationLoad is a nested load callback.
	OperationLoad

	// OperationStore is a nested store callback.
	OperationStore

	// OperationBusiness is a business method on an entity identity.
	OperationBusiness

	// OperationRemove is the remove callback.
	OperationRemove

	// OperationActivate is the activation callback when an instance is bound to a key.
	OperationActivate

	// OperationPassivate is the passivation callback when an instance returns to the pool.
	OperationPassivate

	// OperationSetContext is the entity context injection on construction.
	OperationSetContext

	// OperationUnsetContext is the entity context release on discard.
	OperationUnsetContext

	// OperationTimeout is a timer callback.
	OperationTimeout
)

var operationNames = map[Operation]string{
	OperationNone:         "none",
	OperationCreate:       "create",
	OperationPostCreate:   "post-create",
	OperationFind:         "find",
	OperationHome:         "home",
	OperationLoad:         "load",
	OperationStore:        "store",
	OperationBusiness:     "business",
	OperationRemove:       "remove",
	OperationActivate:     "activate",
	OperationPassivate:    "passivate",
	OperationSetContext:   "set-context",
	OperationUnsetContext: "unset-context",
	OperationTimeout:      "timeout",
}

// String returns the string representation of the operation.
func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", o)
}

// MarshalJSON implements json.Marshaler.
func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = ParseOperation(str)
	return nil
}

// ParseOperation converts a string to Operation. Unknown names map to OperationNone.
func ParseOperation(s string) Operation {
	for op, name := range operationNames {
		if name == s {
			return op
		}
	}
	switch s {
	case "post_create", "postcreate":
		return OperationPostCreate
	case "ejbtimeout":
		return OperationTimeout
	}
	return OperationNone
}

// IsNested reports whether the operation is a side effect of an enclosing call
// and must restore the previous phase when it finishes.
func (o Operation) IsNested() bool {
	switch o {
	case OperationLoad, OperationStore, OperationActivate, OperationPassivate,
		OperationSetContext, OperationUnsetContext:
		return true
	}
	return false
}

// BindsIdentity reports whether the operation runs against a specific primary key,
// which is when an instance must be activated and may need a just-in-time load.
func (o Operation) BindsIdentity() bool {
	return o == OperationBusiness || o == OperationRemove
}

// InstanceStatus is the lifecycle status of a bean instance.
type InstanceStatus int32

const (
	// InstanceUnknown indicates an instance that has not been handed to a pool yet.
	InstanceUnknown InstanceStatus = iota

	// InstancePooled indicates an idle instance available to any identity.
	InstancePooled

	// InstanceCheckedOut indicates an instance owned by an in-flight call.
	InstanceCheckedOut

	// InstanceDiscarded indicates an instance permanently removed from circulation.
	InstanceDiscarded
)

// String returns the string representation of the status.
func (s InstanceStatus) String() string {
	switch s {
	case InstanceUnknown:
		return "unknown"
	case InstancePooled:
		return "pooled"
	case InstanceCheckedOut:
		return "checked-out"
	case InstanceDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("instance(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s InstanceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsTerminal returns true if this status can never be left.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceDiscarded
}

// ValidTransitions defines allowed instance transitions.
var ValidTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceUnknown:    {InstanceCheckedOut, InstanceDiscarded},
	InstancePooled:     {InstanceCheckedOut, InstanceDiscarded},
	InstanceCheckedOut: {InstancePooled, InstanceDiscarded},
	InstanceDiscarded:  {},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to InstanceStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid instance transition.
type TransitionError struct {
	From InstanceStatus
	To   InstanceStatus
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid instance transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to InstanceStatus) TransitionError {
	return TransitionError{From: from, To: to}
}
