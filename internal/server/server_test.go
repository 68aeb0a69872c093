package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dyike/TradeFlowGo/internal/auth"
	"github.com/dyike/TradeFlowGo/internal/engine"
	"github.com/dyike/TradeFlowGo/internal/hub"
	"github.com/dyike/TradeFlowGo/internal/lifecycle"
	"github.com/dyike/TradeFlowGo/internal/marketdata"
	"github.com/dyike/TradeFlowGo/internal/store"
	"github.com/dyike/TradeFlowGo/models"
)

// scriptedFeed blocks each run on a per-ticker channel of events.
type scriptedFeed struct {
	mu    sync.Mutex
	feeds map[string]chan models.EngineEvent
}

func newScriptedFeed() *scriptedFeed {
	return &scriptedFeed{feeds: make(map[string]chan models.EngineEvent)}
}

func (f *scriptedFeed) channel(ticker string) chan models.EngineEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.feeds[ticker]
	if !ok {
		ch = make(chan models.EngineEvent, 16)
		f.feeds[ticker] = ch
	}
	return ch
}

func (f *scriptedFeed) push(ticker string, events ...models.EngineEvent) {
	ch := f.channel(ticker)
	for _, ev := range events {
		ch <- ev
	}
}

func (f *scriptedFeed) Stream(ctx context.Context, req engine.FeedRequest, handle func(models.EngineEvent) error) error {
	ch := f.channel(req.Ticker)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			if err := handle(ev); err != nil {
				return err
			}
			if ev.TerminalEvent() {
				return nil
			}
		}
	}
}

type stubLookup struct {
	result *marketdata.Result
}

func (s *stubLookup) Lookup(ctx context.Context, ticker, market string) (*marketdata.Result, error) {
	if s.result != nil {
		return s.result, nil
	}
	return &marketdata.Result{Ticker: ticker, Market: market, Valid: true}, nil
}

type stubEngine struct{ err error }

func (s *stubEngine) Health(ctx context.Context) error { return s.err }

type testEnv struct {
	feed    *scriptedFeed
	manager *lifecycle.Manager
	ts      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	usersPath := filepath.Join(dir, "users.json")
	users := `[
		{"username": "alice", "password": "pw"},
		{"username": "bob", "password": "pw"},
		{"username": "root", "password": "pw", "admin": true}
	]`
	if err := os.WriteFile(usersPath, []byte(users), 0o644); err != nil {
		t.Fatalf("write users: %v", err)
	}
	table, err := auth.Load(usersPath, nil)
	if err != nil {
		t.Fatalf("auth.Load: %v", err)
	}

	feed := newScriptedFeed()
	st := store.New(filepath.Join(dir, "sessions.json"), nil)
	h := hub.New(0, nil)
	manager := lifecycle.New(st, h, feed, time.Minute, nil)
	t.Cleanup(manager.Shutdown)

	srv := New("127.0.0.1:0", manager, table, &stubLookup{}, &stubEngine{}, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{feed: feed, manager: manager, ts: ts}
}

func (e *testEnv) request(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.SetBasicAuth(user, "pw")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeSession(t *testing.T, resp *http.Response) *models.Session {
	t.Helper()
	defer resp.Body.Close()
	var out struct {
		Session *models.Session `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return out.Session
}

func TestCreateAndGetSession(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "600519", "market": "A-share"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	sess := decodeSession(t, resp)
	if sess.Status != models.StatusRunning {
		t.Fatalf("status = %s, want running", sess.Status)
	}
	if sess.UserID != "alice" {
		t.Fatalf("user = %q, want alice", sess.UserID)
	}

	resp = env.request(t, http.MethodGet, "/api/sessions/"+sess.ID, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	got := decodeSession(t, resp)
	if got.ID != sess.ID {
		t.Fatalf("got id %q, want %q", got.ID, sess.ID)
	}
}

func TestCreateRejectsBadParams(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "600519", "market": "moon"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp = env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "AAPL", "market": "A-share"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("format mismatch status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionScoping(t *testing.T) {
	env := newTestEnv(t)

	sess := decodeSession(t, env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "600519", "market": "A-share"}))

	resp := env.request(t, http.MethodGet, "/api/sessions/"+sess.ID, "bob", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/sessions/"+sess.ID, "root", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin get status = %d, want 200", resp.StatusCode)
	}

	// Bad password degrades to anonymous, which cannot see alice's session.
	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/sessions/"+sess.ID, nil)
	req.SetBasicAuth("alice", "wrongpw")
	wrong, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	wrong.Body.Close()
	if wrong.StatusCode != http.StatusNotFound {
		t.Fatalf("wrong-password get status = %d, want 404", wrong.StatusCode)
	}
}

func TestListOmitsReportsAndCarriesQueuePosition(t *testing.T) {
	env := newTestEnv(t)

	decodeSession(t, env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "600519", "market": "A-share"}))
	queued := decodeSession(t, env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "000858", "market": "A-share"}))
	if queued.Status != models.StatusQueued {
		t.Fatalf("second session status = %s, want queued", queued.Status)
	}

	resp := env.request(t, http.MethodGet, "/api/sessions", "alice", nil)
	defer resp.Body.Close()
	var out struct {
		Sessions []*models.Session `json:"sessions"`
		Count    int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if out.Count != 2 {
		t.Fatalf("count = %d, want 2", out.Count)
	}
	for _, sess := range out.Sessions {
		if len(sess.Reports) != 0 {
			t.Fatalf("summary carries reports: %v", sess.Reports)
		}
		if sess.ID == queued.ID && sess.QueuePosition != 1 {
			t.Fatalf("queued position = %d, want 1", sess.QueuePosition)
		}
	}
}

func TestRetryConflictWhileRunning(t *testing.T) {
	env := newTestEnv(t)

	sess := decodeSession(t, env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "600519", "market": "A-share"}))

	resp := env.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/retry", "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("retry status = %d, want 409", resp.StatusCode)
	}
}

func TestRetryAfterError(t *testing.T) {
	env := newTestEnv(t)

	sess := decodeSession(t, env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "600519", "market": "A-share"}))
	env.feed.push("600519", models.EngineEvent{Type: models.Event_Error, Content: "boom"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := env.manager.Get(sess.ID, store.Identity{Admin: true})
		if err == nil && got.Status == models.StatusError {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := env.request(t, http.MethodPost, "/api/sessions/"+sess.ID+"/retry", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", resp.StatusCode)
	}
	retried := decodeSession(t, resp)
	if retried.Status != models.StatusRunning && retried.Status != models.StatusQueued {
		t.Fatalf("retried status = %s", retried.Status)
	}
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t)

	sess := decodeSession(t, env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "600519", "market": "A-share"}))

	resp := env.request(t, http.MethodDelete, "/api/sessions/"+sess.ID, "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/sessions/"+sess.ID, "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestRunningCount(t *testing.T) {
	env := newTestEnv(t)

	decodeSession(t, env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "600519", "market": "A-share"}))

	resp := env.request(t, http.MethodGet, "/api/sessions/running", "alice", nil)
	defer resp.Body.Close()
	var out struct {
		Running int `json:"running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Running != 1 {
		t.Fatalf("running = %d, want 1", out.Running)
	}
}

func TestMeta(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/api/meta", "", nil)
	defer resp.Body.Close()
	var out struct {
		Markets map[string]any `json:"markets"`
		Models  map[string]any `json:"models"`
		Stages  []string       `json:"stages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if _, ok := out.Markets["A-share"]; !ok {
		t.Fatalf("meta missing A-share market: %v", out.Markets)
	}
	if _, ok := out.Models["deepseek-v3"]; !ok {
		t.Fatalf("meta missing default model: %v", out.Models)
	}
	if len(out.Stages) == 0 || out.Stages[0] != "Market Analyst" {
		t.Fatalf("meta stages = %v", out.Stages)
	}
}

func TestValidateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/api/validate?ticker=600519&market=A-share", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate status = %d, want 200", resp.StatusCode)
	}
	var res marketdata.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Valid {
		t.Fatalf("result = %+v, want valid", res)
	}
}

func TestHealthReportsEngineDown(t *testing.T) {
	dir := t.TempDir()
	feed := newScriptedFeed()
	st := store.New(filepath.Join(dir, "sessions.json"), nil)
	h := hub.New(0, nil)
	manager := lifecycle.New(st, h, feed, time.Minute, nil)
	t.Cleanup(manager.Shutdown)

	srv := New("127.0.0.1:0", manager, nil, nil, &stubEngine{err: errors.New("unreachable")}, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Status string `json:"status"`
		Engine string `json:"engine"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "healthy" || out.Engine != "down" {
		t.Fatalf("health = %+v", out)
	}
}

func TestStreamDeliversSnapshotsUntilTerminal(t *testing.T) {
	env := newTestEnv(t)

	sess := decodeSession(t, env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "600519", "market": "A-share"}))

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/sessions/"+sess.ID+"/stream", nil)
	req.SetBasicAuth("alice", "pw")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	env.feed.push("600519",
		models.EngineEvent{Type: models.Event_NodeStart, Agent: "Market Analyst"},
		models.EngineEvent{Type: models.Event_Complete, Content: "BUY"},
	)

	var snapshots []*models.Session
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "snapshot":
			var snap models.Session
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			snapshots = append(snapshots, &snap)
		}
	}

	// The stream ends server-side after the terminal snapshot, so the
	// scanner loop terminates on its own.
	if len(snapshots) == 0 {
		t.Fatalf("no snapshots received")
	}
	if snapshots[0].ID != sess.ID {
		t.Fatalf("first snapshot id = %q, want %q", snapshots[0].ID, sess.ID)
	}
	last := snapshots[len(snapshots)-1]
	if last.Status != models.StatusCompleted || last.Decision != "BUY" {
		t.Fatalf("final snapshot = status %s decision %q", last.Status, last.Decision)
	}
}

func TestStreamEndsImmediatelyForTerminalSession(t *testing.T) {
	env := newTestEnv(t)

	sess := decodeSession(t, env.request(t, http.MethodPost, "/api/sessions", "alice",
		map[string]any{"ticker": "600519", "market": "A-share"}))
	env.feed.push("600519", models.EngineEvent{Type: models.Event_Complete, Content: "SELL"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := env.manager.Get(sess.ID, store.Identity{Admin: true})
		if err == nil && got.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/sessions/"+sess.ID+"/stream", nil)
	req.SetBasicAuth("alice", "pw")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(events) != 1 || events[0] != "snapshot" {
		t.Fatalf("events = %v, want exactly one snapshot", events)
	}
}

func TestStreamUnknownSessionIs404(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/api/sessions/nope/stream", "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
