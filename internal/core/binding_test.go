package core

import (
	"context"
	"testing"
)

func TestBindingRebind(t *testing.T) {
	b := &Binding{}
	if b.Bound() {
		t.Fatalf("new binding should be unbound")
	}

	first := newTestState(t, nil, "a1")
	cfg := DefaultConfig()
	cfg.TempDir = "/scratch"
	second := newTestState(t, cfg, "b1", "b2")

	b.Bind(first)
	b.SetDeployDir("/deploy/first")
	if b.RunID() != first.RunID() || b.Inventory().Len() != 1 {
		t.Fatalf("binding does not reflect first state")
	}

	b.Bind(second)
	if b.RunID() != second.RunID() {
		t.Fatalf("binding still points at first state")
	}
	if b.Inventory().Len() != 2 || b.Pool().Size() != 2 {
		t.Fatalf("binding does not reflect second state")
	}
	if b.DeployDir() != "" {
		t.Fatalf("deploy dir leaked from first state: %q", b.DeployDir())
	}
	if got := b.GetTempFilename("k"); got != second.GetTempFilename("k") {
		t.Fatalf("temp filename not from second state: %q", got)
	}

	res, err := b.AddOp(OpSpec{Name: "x"}, nil, shellOp("true"))
	if err != nil {
		t.Fatalf("add op through binding: %v", err)
	}
	if len(second.OpOrder()) != 1 || len(first.OpOrder()) != 0 {
		t.Fatalf("op recorded on the wrong state")
	}
	if m, ok := b.Meta("b1"); !ok || m.LatestOpHash != res.Hash {
		t.Fatalf("meta not visible through binding: %+v", m)
	}
	if first.DeployDir() != "/deploy/first" {
		t.Fatalf("first state lost its deploy dir")
	}
}

func TestBindingUnboundPanics(t *testing.T) {
	b := &Binding{}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on unbound binding")
		}
	}()
	_ = b.RunID()
}

func TestPseudoBinding(t *testing.T) {
	s := newTestState(t, nil, "h1")
	Pseudo.Bind(s)
	defer Pseudo.Bind(nil)

	var c Context = Pseudo
	if c.Config() != s.Config() {
		t.Fatalf("Pseudo does not forward to bound state")
	}
}

func TestWithState(t *testing.T) {
	if _, ok := StateFromContext(context.Background()); ok {
		t.Fatalf("empty context should carry no state")
	}
	s := newTestState(t, nil, "h1")
	got, ok := StateFromContext(WithState(context.Background(), s))
	if !ok || got != s {
		t.Fatalf("state not carried by context")
	}
}
