package core

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreSaveRun(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	s := newTestState(t, nil, "h1", "h2", "h3")
	if _, err := s.AddOp(OpSpec{Name: "install-nginx"}, nil, shellOp("apt-get install -y nginx")); err != nil {
		t.Fatal(err)
	}
	conn := newFakeConnector()
	conn.failOn["h2"] = true
	if err := s.Run(ctx, conn); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := store.SaveRun(ctx, s); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := store.LoadResults(ctx, s.RunID())
	if err != nil {
		t.Fatalf("load results: %v", err)
	}
	want := s.AllResults()
	if len(got) != len(want) {
		t.Fatalf("expected %d hosts, got %d", len(want), len(got))
	}
	for name, r := range want {
		if got[name] != r {
			t.Errorf("%s: got %+v, want %+v", name, got[name], r)
		}
	}

	order, err := store.LoadOpOrder(ctx, s.RunID())
	if err != nil {
		t.Fatalf("load op order: %v", err)
	}
	if len(order) != 1 || order[0] != s.OpOrder()[0] {
		t.Fatalf("unexpected op order %v", order)
	}

	if err := store.SaveRun(ctx, s); err == nil {
		t.Fatalf("saving the same run twice should fail")
	}
}

func TestStoreUnknownRun(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if _, err := store.LoadOpOrder(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
	res, err := store.LoadResults(context.Background(), "missing")
	if err != nil || len(res) != 0 {
		t.Fatalf("expected no results, got %v %v", res, err)
	}
}
