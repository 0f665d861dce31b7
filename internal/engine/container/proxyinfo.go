package container

import (
	"context"
	"fmt"
	"reflect"

	"github.com/R3E-Network/entity_engine/internal/engine/callctx"
	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/failure"
	"github.com/R3E-Network/entity_engine/internal/engine/tx"
)

// ProxyInfo describes an entity identity for the proxy layer to wrap.
type ProxyInfo struct {
	DeploymentID string `json:"deployment_id"`
	PrimaryKey   any    `json:"primary_key"`
	Interface    string `json:"interface"`
}

// String implements fmt.Stringer.
func (p ProxyInfo) String() string {
	return fmt.Sprintf("%s[%v]", p.DeploymentID, p.PrimaryKey)
}

// wrapKeys maps a finder result to ProxyInfo keeping its shape: a slice of
// keys becomes a []ProxyInfo, an enumeration an enumeration, anything else a
// single ProxyInfo.
func wrapKeys(d *deploy.Deployment, m *deploy.Method, found any) (any, error) {
	info := func(pk any) ProxyInfo {
		return ProxyInfo{DeploymentID: d.ID(), PrimaryKey: pk, Interface: d.InterfaceOf(m)}
	}
	switch keys := found.(type) {
	case nil:
		return nil, failure.Application(fmt.Errorf("%w: %s found nothing", failure.ErrNoSuchObject, m.Name))
	case *deploy.Enumeration:
		out := make([]any, 0, keys.Len())
		for keys.HasMore() {
			out = append(out, info(keys.Next()))
		}
		return deploy.NewEnumeration(out...), nil
	case []byte:
		return info(keys), nil
	}
	v := reflect.ValueOf(found)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return info(found), nil
	}
	out := make([]ProxyInfo, v.Len())
	for i := range out {
		out[i] = info(v.Index(i).Interface())
	}
	return out, nil
}

// EntityContext is the deploy.EntityContext the container hands to beans.
// It reads the invocation from the context a callback was given.
type EntityContext struct{}

// PrimaryKey returns the identity being served, or nil during home methods.
func (EntityContext) PrimaryKey(ctx context.Context) any {
	if tc := callctx.From(ctx); tc != nil {
		return tc.PrimaryKey()
	}
	return nil
}

// CallerIdentity returns the caller's security identity.
func (EntityContext) CallerIdentity(ctx context.Context) string {
	if tc := callctx.From(ctx); tc != nil {
		return tc.Identity()
	}
	return ""
}

// SetRollbackOnly marks the running transaction for rollback.
func (EntityContext) SetRollbackOnly(ctx context.Context) error {
	t := tx.FromContext(ctx)
	if t == nil {
		return failure.ErrTransactionInactive
	}
	return t.SetRollbackOnly()
}

// RollbackOnly reports whether the running transaction is marked for rollback.
func (EntityContext) RollbackOnly(ctx context.Context) bool {
	t := tx.FromContext(ctx)
	return t != nil && t.RollbackOnly()
}

var _ deploy.EntityContext = EntityContext{}
