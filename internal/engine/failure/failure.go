// Package failure defines the error taxonomy of the entity engine.
//
// Every error leaving the invocation pipeline falls into one of two classes:
// system failures (infrastructure problems, panics, undeclared errors) which
// cause the bean instance to be discarded and the transaction to be marked
// rollback-only, and application failures (declared business errors) which
// leave the instance in circulation and propagate unchanged.
package failure

import (
	"errors"
	"fmt"
)

// Code is a string error code, stable across releases and safe to expose.
type Code string

const (
	CodeUnknownDeployment   Code = "UNKNOWN_DEPLOYMENT"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeSystem              Code = "SYSTEM_ERROR"
	CodeApplication         Code = "APPLICATION_ERROR"
	CodeInstanceAcquisition Code = "INSTANCE_ACQUISITION_FAILED"
	CodeNoSuchObject        Code = "NO_SUCH_OBJECT"
	CodeTransaction         Code = "TRANSACTION_ERROR"
	CodeUnknown             Code = "UNKNOWN"
)

// Sentinel errors.
var (
	ErrUnknownDeployment     = errors.New("deployment does not exist in this container")
	ErrUnauthorized          = errors.New("unauthorized access by principal denied")
	ErrNoSuchObject          = errors.New("no such object")
	ErrNoSuchEntity          = errors.New("entity not found")
	ErrPoolExhausted         = errors.New("instance pool exhausted")
	ErrPoolClosed            = errors.New("instance pool closed")
	ErrInstanceDiscarded     = errors.New("instance was discarded")
	ErrTransactionRequired   = errors.New("transaction required")
	ErrTransactionNotAllowed = errors.New("transaction not allowed")
	ErrTransactionRolledBack = errors.New("transaction rolled back")
	ErrTransactionInactive   = errors.New("transaction is not active")
	ErrReentrantCall         = errors.New("reentrant call on non-reentrant entity")
	ErrRateLimited           = errors.New("invocation rate limit exceeded")
	ErrUnknownMethod         = errors.New("method is not bound for this deployment")
)

// SystemError is an infrastructure-level failure. The instance involved is
// always discarded.
type SystemError struct {
	Op    string
	Cause error
}

// Error implements error.
func (e *SystemError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("system failure: %v", e.Cause)
	}
	return fmt.Sprintf("system failure in %s: %v", e.Op, e.Cause)
}

// Unwrap returns the cause.
func (e *SystemError) Unwrap() error { return e.Cause }

// ApplicationError marks a declared business error. Rollback asks the
// transaction policy to mark the transaction rollback-only; the policy never
// does so on its own initiative.
type ApplicationError struct {
	Cause    error
	Rollback bool
}

// Error implements error.
func (e *ApplicationError) Error() string {
	return e.Cause.Error()
}

// Unwrap returns the cause.
func (e *ApplicationError) Unwrap() error { return e.Cause }

// InstanceAcquisitionError reports that a pool could not supply an instance.
// It is classified as a system failure.
type InstanceAcquisitionError struct {
	DeploymentID string
	Cause        error
}

// Error implements error.
func (e *InstanceAcquisitionError) Error() string {
	return fmt.Sprintf("instance acquisition failed for deployment %q: %v", e.DeploymentID, e.Cause)
}

// Unwrap returns the cause.
func (e *InstanceAcquisitionError) Unwrap() error { return e.Cause }

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
}

// Error implements error.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Application declares err as an application error.
func Application(err error) error {
	if err == nil {
		return nil
	}
	var app *ApplicationError
	if errors.As(err, &app) {
		return err
	}
	return &ApplicationError{Cause: err}
}

// ApplicationRollback declares err as an application error that requires rollback.
func ApplicationRollback(err error) error {
	if err == nil {
		return nil
	}
	return &ApplicationError{Cause: err, Rollback: true}
}

// System wraps err as a system error for op. An existing SystemError is returned as is.
func System(op string, err error) error {
	if err == nil {
		return nil
	}
	var sys *SystemError
	if errors.As(err, &sys) {
		return err
	}
	return &SystemError{Op: op, Cause: err}
}

// IsApplication reports whether err was declared as an application error.
func IsApplication(err error) bool {
	var app *ApplicationError
	return errors.As(err, &app)
}

// IsSystem reports whether err is a system failure. Undeclared errors count
// as system failures.
func IsSystem(err error) bool {
	if err == nil {
		return false
	}
	var sys *SystemError
	if errors.As(err, &sys) {
		return true
	}
	return !IsApplication(err)
}

// RequiresRollback reports whether an application error asked for rollback.
func RequiresRollback(err error) bool {
	var app *ApplicationError
	if errors.As(err, &app) {
		return app.Rollback
	}
	return false
}

// CodeOf maps err to its Code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownDeployment):
		return CodeUnknownDeployment
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNoSuchObject), errors.Is(err, ErrNoSuchEntity):
		return CodeNoSuchObject
	}
	var acq *InstanceAcquisitionError
	if errors.As(err, &acq) {
		return CodeInstanceAcquisition
	}
	if errors.Is(err, ErrTransactionRequired) || errors.Is(err, ErrTransactionNotAllowed) ||
		errors.Is(err, ErrTransactionRolledBack) || errors.Is(err, ErrTransactionInactive) {
		return CodeTransaction
	}
	if IsApplication(err) {
		return CodeApplication
	}
	var sys *SystemError
	if errors.As(err, &sys) {
		return CodeSystem
	}
	return CodeUnknown
}

// Class is the failure class the invocation pipeline routes an error by.
type Class int

const (
	// ClassUnknown is an error carrying no declaration. The container decides
	// from the deployment's declared application errors.
	ClassUnknown Class = iota
	ClassApplication
	ClassSystem
)

// String returns the string representation of the class.
func (c Class) String() string {
	switch c {
	case ClassApplication:
		return "application"
	case ClassSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ClassOf returns the class of the outermost declaration in err's chain. A
// panic or acquisition failure counts as a system declaration, so a system
// failure wrapping an application error stays a system failure and the
// reverse stays an application failure.
func ClassOf(err error) Class {
	for err != nil {
		switch err.(type) {
		case *ApplicationError:
			return ClassApplication
		case *SystemError, *PanicError, *InstanceAcquisitionError:
			return ClassSystem
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				if c := ClassOf(e); c != ClassUnknown {
					return c
				}
			}
			return ClassUnknown
		default:
			return ClassUnknown
		}
	}
	return ClassUnknown
}
