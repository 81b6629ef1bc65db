package compaction

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/hypersync/internal/graph"
	"github.com/kalambet/hypersync/internal/storage"
)

type mockCompactor struct {
	calls     atomic.Int32
	compactFn func(opts storage.CompactOptions) (storage.CompactResult, error)
}

func (m *mockCompactor) Compact(_ context.Context, opts storage.CompactOptions) (storage.CompactResult, error) {
	m.calls.Add(1)
	if m.compactFn != nil {
		return m.compactFn(opts)
	}
	return storage.CompactResult{}, nil
}

func TestNewWorkerDefaults(t *testing.T) {
	w := NewWorker(&mockCompactor{}, 0, 0)
	if w.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", w.interval)
	}
	if w.retention != DefaultRetention {
		t.Errorf("retention = %v, want %v", w.retention, DefaultRetention)
	}
}

func TestRunOncePassesRetention(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var got storage.CompactOptions
	m := &mockCompactor{compactFn: func(opts storage.CompactOptions) (storage.CompactResult, error) {
		got = opts
		return storage.CompactResult{Nodes: 2}, nil
	}}
	w := NewWorker(m, 6*time.Hour, time.Minute)
	w.now = func() time.Time { return now }

	res, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Nodes != 2 {
		t.Errorf("Nodes = %d, want 2", res.Nodes)
	}
	if got.Retention != 6*time.Hour || !got.Now.Equal(now) {
		t.Errorf("options = %+v", got)
	}
}

func TestRunOnceWrapsError(t *testing.T) {
	boom := errors.New("disk full")
	m := &mockCompactor{compactFn: func(storage.CompactOptions) (storage.CompactResult, error) {
		return storage.CompactResult{}, boom
	}}
	_, err := NewWorker(m, 0, 0).RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := &mockCompactor{}
	w := NewWorker(m, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for m.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d passes before deadline", m.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunOnceCollectsExpiredTombstones(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(":memory:", "device-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	a, err := store.CreateNode(ctx, graph.NewNode{Content: "kept", ContentType: graph.Note})
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.CreateNode(ctx, graph.NewNode{Content: "dropped", ContentType: graph.Note})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.SoftDeleteNode(ctx, b.ID, b.Version); err != nil {
		t.Fatal(err)
	}

	w := NewWorker(store, time.Hour, time.Hour)

	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Nodes != 0 {
		t.Errorf("removed %d nodes inside the retention window", res.Nodes)
	}

	w.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err = w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Nodes != 1 {
		t.Errorf("result = %+v, want one node removed", res)
	}
	if _, err := store.GetNode(ctx, a.ID); err != nil {
		t.Errorf("live node gone: %v", err)
	}
}
