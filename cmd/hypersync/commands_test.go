package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/hypersync/internal/config"
	"github.com/kalambet/hypersync/internal/graph"
	"github.com/kalambet/hypersync/internal/replication"
)

var ctx = context.Background()

func testConfig(t *testing.T, device string) config.Config {
	t.Helper()
	return config.Config{
		Device:  config.DeviceConfig{ID: device},
		Storage: config.StorageConfig{DataDir: t.TempDir()},
		Index:   config.IndexConfig{Dimension: 3, Metric: "cosine"},
		Sync: config.SyncConfig{
			ExchangeTimeout: 5 * time.Second,
			BatchSize:       100,
			Token:           "test-token",
		},
		Server: config.ServerConfig{Port: 7420},
		Log:    config.LogConfig{Level: "info"},
	}
}

func testApp(t *testing.T, cfg config.Config) *app {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := openApp(ctx, cfg, logger, false)
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestNodeCreateMissingContent(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"node", "create"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing --content")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestPathNeedsTwoArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"path", "only-one"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for a single argument")
	}
}

func TestParseMembers(t *testing.T) {
	members, err := parseMembers([]string{"a", "b:guest", " c:role:with:colons "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []graph.Member{
		{NodeID: "a"},
		{NodeID: "b", Role: "guest"},
		{NodeID: "c", Role: "role:with:colons"},
	}
	if len(members) != len(want) {
		t.Fatalf("got %d members, want %d", len(members), len(want))
	}
	for i := range want {
		if members[i] != want[i] {
			t.Errorf("member %d = %+v, want %+v", i, members[i], want[i])
		}
	}

	if _, err := parseMembers([]string{":role"}); err == nil {
		t.Error("expected error for a member without node id")
	}
}

func TestParseEmbedding(t *testing.T) {
	v, err := parseEmbedding("[0.5, 1, -2]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v) != 3 || v[0] != 0.5 || v[2] != -2 {
		t.Errorf("embedding = %v", v)
	}

	if _, err := parseEmbedding(`{"x":1}`); err == nil {
		t.Error("expected error for a non-array embedding")
	}
}

func TestUpsertAndRemovePeer(t *testing.T) {
	peers := []config.Peer{{DeviceID: "a", URL: "http://a:7420"}}

	peers = upsertPeer(peers, config.Peer{DeviceID: "b", URL: "http://b:7420"})
	peers = upsertPeer(peers, config.Peer{DeviceID: "a", URL: "http://a2:7420"})
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].URL != "http://a2:7420" {
		t.Errorf("peer a url = %q, want replaced", peers[0].URL)
	}

	peers, ok := removePeer(peers, "a")
	if !ok || len(peers) != 1 || peers[0].DeviceID != "b" {
		t.Errorf("after remove: %+v, ok=%v", peers, ok)
	}
	if _, ok := removePeer(peers, "missing"); ok {
		t.Error("removing an unknown peer should report false")
	}
}

func TestNewEngineRequiresToken(t *testing.T) {
	cfg := testConfig(t, "device-a")
	cfg.Sync.Token = ""
	cfg.Peers = []config.Peer{{DeviceID: "device-b", URL: "http://127.0.0.1:1"}}
	a := testApp(t, cfg)

	_, err := newEngine(cfg, a.svc, a.logger)
	if err == nil || !strings.Contains(err.Error(), "sync token") {
		t.Fatalf("err = %v, want missing sync token", err)
	}

	// A per-peer token is enough.
	cfg.Peers[0].Token = "peer-token"
	if _, err := newEngine(cfg, a.svc, a.logger); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPeerHandlerRequiresToken(t *testing.T) {
	a := testApp(t, testConfig(t, "device-a"))
	srv := httptest.NewServer(newPeerHandler(a))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/sync/log")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestSyncBetweenConfiguredDevices(t *testing.T) {
	b := testApp(t, testConfig(t, "device-b"))
	srv := httptest.NewServer(newPeerHandler(b))
	t.Cleanup(srv.Close)

	n, err := b.svc.CreateNode(ctx, graph.NewNode{
		Content:     "written on b",
		ContentType: graph.Memory,
		Embedding:   []float32{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	cfg := testConfig(t, "device-a")
	cfg.Peers = []config.Peer{{DeviceID: "device-b", URL: srv.URL}}
	a := testApp(t, cfg)

	engine, err := newEngine(cfg, a.svc, a.logger)
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	reports := engine.SyncAll(ctx)
	if failed := printReports(reports); failed != 0 {
		t.Fatalf("sync failed: %+v", reports)
	}
	if reports[0].Inserted != 1 {
		t.Errorf("inserted = %d, want 1", reports[0].Inserted)
	}

	got, err := a.svc.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNode on a: %v", err)
	}
	if got.Content != "written on b" {
		t.Errorf("content = %q", got.Content)
	}

	hits, err := a.svc.VectorSearch(ctx, []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].Node.ID != n.ID {
		t.Errorf("vector search on a = %+v, want the synced node", hits)
	}
}

func TestPeerStatusReportsPendingEntries(t *testing.T) {
	b := testApp(t, testConfig(t, "device-b"))
	srv := httptest.NewServer(newPeerHandler(b))
	t.Cleanup(srv.Close)

	if _, err := b.svc.CreateNode(ctx, graph.NewNode{Content: "only on b", ContentType: graph.Note}); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	cfg := testConfig(t, "device-a")
	cfg.Peers = []config.Peer{
		{DeviceID: "device-b", URL: srv.URL},
		{DeviceID: "device-c", URL: "http://127.0.0.1:1"},
	}
	a := testApp(t, cfg)

	statuses, err := peerStatuses(ctx, a)
	if err != nil {
		t.Fatalf("peerStatuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if st := statuses[0]; st.Err != nil || st.Causality != graph.Before || st.Pending != 1 {
		t.Errorf("device-b = %+v, want before with 1 pending", st)
	}
	if statuses[1].Peer != "device-c" || statuses[1].Err == nil {
		t.Errorf("device-c = %+v, want an error", statuses[1])
	}

	engine, err := newEngine(cfg, a.svc, a.logger)
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	if _, err := engine.SyncPeer(ctx, "device-b"); err != nil {
		t.Fatalf("SyncPeer: %v", err)
	}

	statuses, err = peerStatuses(ctx, a)
	if err != nil {
		t.Fatalf("peerStatuses: %v", err)
	}
	if st := statuses[0]; st.Err != nil || st.Causality != graph.Equal || st.Pending != 0 {
		t.Errorf("device-b after sync = %+v, want equal with nothing pending", st)
	}
}

func TestReadNewNodes(t *testing.T) {
	ins, err := readNewNodes(strings.NewReader(`[
		{"content": "first", "content_type": "Thought"},
		{"content": "second", "content_type": "Note", "embedding": [0, 1, 0]}
	]`), "-")
	if err != nil {
		t.Fatalf("readNewNodes: %v", err)
	}
	if len(ins) != 2 || ins[0].ContentType != graph.Thought || len(ins[1].Embedding) != 3 {
		t.Errorf("nodes = %+v", ins)
	}

	path := filepath.Join(t.TempDir(), "nodes.json")
	if err := os.WriteFile(path, []byte(`{"content": "not an array"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readNewNodes(nil, path); err == nil || !strings.Contains(err.Error(), "JSON array") {
		t.Errorf("err = %v, want a JSON array complaint", err)
	}

	if _, err := readNewNodes(nil, filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestEdgeBetweenNeedsTwoArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"edge", "between", "only-one"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for a single node id")
	}
}

func TestPrintReportsCountsFailures(t *testing.T) {
	reports := []replication.Report{
		{Peer: "ok", Fetched: 2, Inserted: 2},
		{Peer: "down", Err: errors.New("connection refused")},
		{Peer: "waiting", Deferred: true},
	}
	if got := printReports(reports); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
