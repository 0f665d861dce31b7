package callctx

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
	"github.com/R3E-Network/entity_engine/internal/engine/state"
)

type nopBean struct{}

func (nopBean) Load(context.Context) error   { return nil }
func (nopBean) Store(context.Context) error  { return nil }
func (nopBean) Remove(context.Context) error { return nil }

func testDeployment(t *testing.T, id string) *deploy.Deployment {
	t.Helper()
	d, err := deploy.New(id, func() (deploy.EntityBean, error) { return nopBean{}, nil })
	if err != nil {
		t.Fatalf("deploy.New: %v", err)
	}
	return d
}

type fixedScope bool

func (s fixedScope) IsTransactionActive() bool { return bool(s) }

func TestEnterExit(t *testing.T) {
	d := testDeployment(t, "account")
	tc := New(d, "k1", "alice")

	if From(context.Background()) != nil {
		t.Fatal("empty context should carry no ThreadContext")
	}

	ctx := Enter(context.Background(), tc)
	if got := From(ctx); got != tc {
		t.Fatalf("From() = %p, want %p", got, tc)
	}
	if !tc.Active() {
		t.Error("entered context should be active")
	}

	if !tc.Exit() {
		t.Error("first Exit should release")
	}
	if tc.Exit() {
		t.Error("second Exit should be a no-op")
	}
	if From(ctx) != nil {
		t.Error("exited context must not be visible")
	}
	if tc.Operation() != state.OperationNone {
		t.Errorf("Operation() after exit = %s, want none", tc.Operation())
	}
}

func TestExitBeforeEnter(t *testing.T) {
	tc := New(testDeployment(t, "account"), nil, "")
	if tc.Exit() {
		t.Error("Exit on a context never entered should be a no-op")
	}
	var nilTC *ThreadContext
	if nilTC.Exit() {
		t.Error("Exit on nil should be a no-op")
	}
}

func TestFromSkipsExitedChildren(t *testing.T) {
	d := testDeployment(t, "account")
	outer := New(d, "k1", "alice")
	ctx := Enter(context.Background(), outer)

	inner := New(d, "k2", "alice")
	innerCtx := Enter(ctx, inner)
	if inner.Parent() != outer {
		t.Fatal("inner parent should be outer")
	}

	inner.Exit()
	if got := From(innerCtx); got != outer {
		t.Errorf("From() after inner exit = %p, want outer %p", got, outer)
	}
}

func TestWithOperation_RestoresPhase(t *testing.T) {
	tc := New(testDeployment(t, "account"), "k1", "")
	tc.SetOperation(state.OperationBusiness)

	err := tc.WithOperation(state.OperationLoad, func() error {
		if tc.Operation() != state.OperationLoad {
			t.Errorf("Operation() inside = %s, want load", tc.Operation())
		}
		return errors.New("load failed")
	})
	if err == nil {
		t.Fatal("expected error from fn")
	}
	if tc.Operation() != state.OperationBusiness {
		t.Errorf("Operation() after failure = %s, want business", tc.Operation())
	}

	func() {
		defer func() { _ = recover() }()
		_ = tc.WithOperation(state.OperationStore, func() error { panic("boom") })
	}()
	if tc.Operation() != state.OperationBusiness {
		t.Errorf("Operation() after panic = %s, want business", tc.Operation())
	}
}

func TestTransactionActive(t *testing.T) {
	tc := New(testDeployment(t, "account"), nil, "")
	if tc.TransactionActive() {
		t.Error("no scope means no transaction")
	}
	tc.SetTransactionScope(fixedScope(true))
	if !tc.TransactionActive() {
		t.Error("scope reports active")
	}
	tc.SetTransactionScope(fixedScope(false))
	if tc.TransactionActive() {
		t.Error("scope reports inactive")
	}
}

func TestOnCallChain(t *testing.T) {
	account := testDeployment(t, "account")
	ledger := testDeployment(t, "ledger")

	outer := New(account, "k1", "alice")
	ctx := Enter(context.Background(), outer)
	mid := New(ledger, "k1", "alice")
	ctx = Enter(ctx, mid)
	inner := New(account, "k1", "alice")
	Enter(ctx, inner)

	if !inner.OnCallChain("account", "k1") {
		t.Error("account/k1 is on the chain")
	}
	if inner.OnCallChain("account", "k2") {
		t.Error("account/k2 is not on the chain")
	}
	if inner.OnCallChain("account", nil) {
		t.Error("nil key never matches")
	}
	if outer.OnCallChain("account", "k1") {
		t.Error("a context does not see itself")
	}

	outer.Exit()
	if inner.OnCallChain("account", "k1") {
		t.Error("exited ancestors are ignored")
	}

	// Uncomparable keys never match and never panic.
	if inner.OnCallChain("ledger", []string{"k1"}) {
		t.Error("uncomparable key should not match")
	}
}
