package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/hypersync/internal/graph"
	"github.com/kalambet/hypersync/internal/replication"
	"github.com/kalambet/hypersync/internal/storage"
)

const testToken = "peer-secret"

func openStore(t *testing.T, device string) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:", device)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *storage.Store, contents ...string) []graph.Node {
	t.Helper()
	var out []graph.Node
	for _, c := range contents {
		n, err := s.CreateNode(context.Background(), graph.NewNode{Content: c, ContentType: graph.Note})
		if err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
		out = append(out, n)
	}
	return out
}

func serve(t *testing.T, src replication.Source, opts HandlerOptions) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(src, opts))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthIsPublic(t *testing.T) {
	h := NewHandler(openStore(t, "device-1"), HandlerOptions{Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" || body["device_id"] != "device-1" {
		t.Errorf("body = %v", body)
	}
}

func TestSyncRequiresToken(t *testing.T) {
	h := NewHandler(openStore(t, "device-1"), HandlerOptions{Token: testToken})

	for _, auth := range []string{"", "Bearer wrong", "Basic " + testToken} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/sync/log", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: status = %d, want 401", auth, rr.Code)
		}
	}
}

func TestEmptyTokenRejectsEverything(t *testing.T) {
	h := NewHandler(openStore(t, "device-1"), HandlerOptions{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sync/clock", nil)
	req.Header.Set("Authorization", "Bearer ")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestLogRejectsBadQuery(t *testing.T) {
	h := NewHandler(openStore(t, "device-1"), HandlerOptions{Token: testToken})

	for _, q := range []string{"since=abc", "since=-1", "limit=x"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/sync/log?"+q, nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rr.Code)
		}
	}
}

func TestRateLimit(t *testing.T) {
	h := NewHandler(openStore(t, "device-1"), HandlerOptions{Token: testToken, RateLimit: 0.001, Burst: 2})

	var codes []int
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/sync/clock", nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}

func TestClientFetchLog(t *testing.T) {
	src := openStore(t, "device-1")
	seed(t, src, "one", "two", "three")
	srv := serve(t, src, HandlerOptions{Token: testToken})

	c := NewClient("device-1", srv.URL+"/", testToken, nil)
	b, err := c.FetchLog(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("FetchLog: %v", err)
	}
	if b.DeviceID != "device-1" {
		t.Errorf("DeviceID = %q", b.DeviceID)
	}
	if len(b.Entries) != 1 || b.Entries[0].Clock != 2 {
		t.Fatalf("entries = %+v, want the entry at clock 2", b.Entries)
	}
	if !b.More {
		t.Error("More = false, want true")
	}
	if b.Clock.Get("device-1") != 3 {
		t.Errorf("clock = %v", b.Clock)
	}
	if _, err := b.Entries[0].DecodeNode(); err != nil {
		t.Errorf("snapshot did not survive the wire: %v", err)
	}

	clock, err := c.Clock(context.Background())
	if err != nil {
		t.Fatalf("Clock: %v", err)
	}
	if clock.DeviceID != "device-1" || clock.Clock.Get("device-1") != 3 {
		t.Errorf("clock response = %+v", clock)
	}
}

func TestClientErrors(t *testing.T) {
	src := openStore(t, "device-1")
	srv := serve(t, src, HandlerOptions{Token: testToken})

	_, err := NewClient("device-1", srv.URL, "wrong", nil).FetchLog(context.Background(), 0, 0)
	if !errors.Is(err, replication.ErrRejected) {
		t.Errorf("bad token: err = %v, want ErrRejected", err)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpError(w, http.StatusServiceUnavailable, "api_error", "draining")
	}))
	t.Cleanup(failing.Close)
	_, err = NewClient("device-1", failing.URL, testToken, nil).FetchLog(context.Background(), 0, 0)
	if err == nil || errors.Is(err, replication.ErrRejected) {
		t.Errorf("503: err = %v, want a retryable error", err)
	}
}

// TestSyncOverHTTP runs a full exchange in both directions through the
// HTTP transport.
func TestSyncOverHTTP(t *testing.T) {
	ctx := context.Background()
	d1 := openStore(t, "device-1")
	d2 := openStore(t, "device-2")
	nodes := seed(t, d1, "entropy curvature", "heliobiology observation")
	seed(t, d2, "from two")

	s1 := serve(t, d1, HandlerOptions{Token: testToken})
	s2 := serve(t, d2, HandlerOptions{Token: testToken})

	opts := replication.Options{ExchangeTimeout: 5 * time.Second, InitialBackoff: time.Millisecond}
	e2, err := replication.NewEngine(d2, []replication.Remote{NewClient("device-1", s1.URL, testToken, nil)}, opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e1, err := replication.NewEngine(d1, []replication.Remote{NewClient("device-2", s2.URL, testToken, nil)}, opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	rep, err := e2.SyncPeer(ctx, "device-1")
	if err != nil {
		t.Fatalf("SyncPeer: %v", err)
	}
	if rep.Inserted != 2 {
		t.Errorf("inserted = %d, want 2", rep.Inserted)
	}
	if _, err := e1.SyncPeer(ctx, "device-2"); err != nil {
		t.Fatalf("SyncPeer: %v", err)
	}

	for _, n := range nodes {
		got, err := d2.GetNode(ctx, n.ID)
		if err != nil {
			t.Fatalf("GetNode on device-2: %v", err)
		}
		if got.Content != n.Content {
			t.Errorf("content = %q, want %q", got.Content, n.Content)
		}
	}
	list, err := d1.ListNodes(ctx, storage.NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(list) != 3 {
		t.Errorf("device-1 holds %d nodes, want 3", len(list))
	}
}
