package core

import (
	"errors"
	"testing"
)

func TestAddOpAllHosts(t *testing.T) {
	s := newTestState(t, nil, "h1", "h2", "h3")
	res, err := s.AddOp(OpSpec{Name: "install-nginx"}, nil, shellOp("apt-get install -y nginx"))
	if err != nil {
		t.Fatalf("add op: %v", err)
	}
	if res.Nested {
		t.Fatalf("top-level op reported as nested")
	}
	if order := s.OpOrder(); len(order) != 1 || order[0] != res.Hash {
		t.Fatalf("unexpected op order %v", order)
	}
	meta, ok := s.OpMeta(res.Hash)
	if !ok || meta.Name != "install-nginx" || len(meta.Hosts) != 3 {
		t.Fatalf("unexpected op meta %+v", meta)
	}
	for _, name := range []string{"h1", "h2", "h3"} {
		m, _ := s.Meta(name)
		if m.Ops != 1 || m.Commands != 1 || m.LatestOpHash != res.Hash {
			t.Fatalf("%s: unexpected meta %+v", name, m)
		}
		op, ok := s.HostOp(name, res.Hash)
		if !ok || len(op.Commands) != 1 {
			t.Fatalf("%s: unexpected host op %+v", name, op)
		}
	}
	if s.InOp() {
		t.Fatalf("in-op flag left set")
	}
}

func TestAddOpDuplicate(t *testing.T) {
	s := newTestState(t, nil, "h1", "h2", "h3")
	h1, _ := s.Inventory().Get("h1")
	h2, _ := s.Inventory().Get("h2")
	h3, _ := s.Inventory().Get("h3")
	spec := OpSpec{Name: "install-nginx"}

	res, err := s.AddOp(spec, []*Host{h1}, shellOp("true"))
	if err != nil {
		t.Fatalf("add op: %v", err)
	}
	// Same hash on another host extends the operation.
	if _, err := s.AddOp(spec, []*Host{h2}, shellOp("true")); err != nil {
		t.Fatalf("extend op: %v", err)
	}
	if len(s.OpOrder()) != 1 {
		t.Fatalf("extending should not add to op order")
	}

	_, err = s.AddOp(spec, []*Host{h1}, shellOp("true"))
	var dup *DuplicateOperationError
	if !errors.As(err, &dup) || dup.Host != "h1" || dup.Started {
		t.Fatalf("expected per-host duplicate, got %v", err)
	}
	if m, _ := s.Meta("h1"); m.Ops != 1 {
		t.Fatalf("duplicate was counted: %+v", m)
	}

	if err := s.MarkOpStarted(res.Hash); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if !s.OpStarted(res.Hash) {
		t.Fatalf("op not marked started")
	}
	_, err = s.AddOp(spec, []*Host{h3}, shellOp("true"))
	if !errors.As(err, &dup) || !dup.Started {
		t.Fatalf("expected started duplicate, got %v", err)
	}
	if !IsDuplicate(s.MarkOpStarted(res.Hash)) {
		t.Fatalf("second start should be a duplicate")
	}
	if m, _ := s.Meta("h3"); m.Ops != 0 {
		t.Fatalf("rejected op was counted: %+v", m)
	}
}

func TestMarkOpStartedUnknown(t *testing.T) {
	s := newTestState(t, nil, "h1")
	if err := s.MarkOpStarted("nope"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected unknown operation, got %v", err)
	}
}

func TestAddOpUnknownHost(t *testing.T) {
	s := newTestState(t, nil, "h1")
	_, err := s.AddOp(OpSpec{Name: "x"}, []*Host{{Name: "stranger"}}, shellOp("true"))
	if !errors.Is(err, ErrUnknownHost) {
		t.Fatalf("expected unknown host, got %v", err)
	}
	if len(s.OpOrder()) != 0 {
		t.Fatalf("failed op was recorded")
	}
}

func TestAddOpGeneratorError(t *testing.T) {
	s := newTestState(t, nil, "h1")
	boom := errors.New("boom")
	_, err := s.AddOp(OpSpec{Name: "x"}, nil, func(*State, *Host) ([]Command, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected generator error, got %v", err)
	}
	if s.InOp() || len(s.OpOrder()) != 0 {
		t.Fatalf("state not restored after generator error")
	}
	if _, err := s.AddOp(OpSpec{Name: "x"}, nil, shellOp("true")); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestAddOpNested(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SudoUser = "root"
	s := newTestState(t, cfg, "h1", "h2")

	var sawInOp bool
	var sawSudo Sudo
	outer := func(st *State, h *Host) ([]Command, error) {
		sawInOp = st.InOp()
		sawSudo = st.CurrentOpSudo()
		inner, err := st.AddOp(OpSpec{Name: "mkdir"}, []*Host{h}, shellOp("mkdir -p /srv/www"))
		if err != nil {
			return nil, err
		}
		if !inner.Nested {
			t.Errorf("inner op not reported as nested")
		}
		return append(inner.Commands[h.Name], Shell("systemctl reload nginx")), nil
	}

	res, err := s.AddOp(OpSpec{Name: "site", Sudo: true}, nil, outer)
	if err != nil {
		t.Fatalf("add op: %v", err)
	}
	if !sawInOp {
		t.Fatalf("generator did not see in-op flag")
	}
	if !sawSudo.Enabled || sawSudo.User != "root" {
		t.Fatalf("unexpected sudo during generation %+v", sawSudo)
	}
	if order := s.OpOrder(); len(order) != 1 || order[0] != res.Hash {
		t.Fatalf("nested op leaked into op order: %v", order)
	}
	if s.CurrentOpSudo() != (Sudo{}) {
		t.Fatalf("sudo context not reset")
	}
	m, _ := s.Meta("h1")
	if m.Ops != 1 || m.Commands != 2 {
		t.Fatalf("unexpected meta %+v", m)
	}
}

func TestAddOpConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IgnoreErrors = true
	cfg.Sudo = true
	s := newTestState(t, cfg, "h1")
	res, err := s.AddOp(OpSpec{Name: "x", SudoUser: "www"}, nil, shellOp("true"))
	if err != nil {
		t.Fatalf("add op: %v", err)
	}
	op, _ := s.HostOp("h1", res.Hash)
	if !op.IgnoreErrors || !op.Sudo.Enabled || op.Sudo.User != "www" {
		t.Fatalf("config defaults not applied: %+v", op)
	}
}

func TestNilOpFunc(t *testing.T) {
	s := newTestState(t, nil, "h1")
	if _, err := s.AddOp(OpSpec{Name: "x"}, nil, nil); err == nil {
		t.Fatalf("expected error for nil op func")
	}
}

func TestAddOpRecoversGuardAfterPanic(t *testing.T) {
	s := newTestState(t, nil, "h1")
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected op func panic to propagate")
			}
		}()
		_, _ = s.AddOp(OpSpec{Name: "broken", Sudo: true}, nil, func(*State, *Host) ([]Command, error) {
			panic("deploy bug")
		})
	}()

	if s.InOp() {
		t.Fatalf("in-op flag left set after panic")
	}
	if s.CurrentOpSudo() != (Sudo{}) {
		t.Fatalf("sudo context left set after panic")
	}
	res, err := s.AddOp(OpSpec{Name: "next"}, nil, shellOp("true"))
	if err != nil {
		t.Fatalf("add op after panic: %v", err)
	}
	if res.Nested {
		t.Fatalf("op after panic treated as nested")
	}
	if order := s.OpOrder(); len(order) != 1 || order[0] != res.Hash {
		t.Fatalf("op after panic not recorded: %v", order)
	}
}
