package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dyike/TradeFlowGo/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "sessions.json"), nil)
}

func TestCreateAndGetScoping(t *testing.T) {
	s := newTestStore(t)
	sess := s.Create(CreateParams{Ticker: "600519", Market: "A-share", UserID: "alice"})

	if sess.Status != models.StatusPending {
		t.Fatalf("new session status = %s, want pending", sess.Status)
	}
	if sess.ID == "" {
		t.Fatalf("new session has empty id")
	}

	if _, err := s.Get(sess.ID, Identity{UserID: "alice"}); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
	if _, err := s.Get(sess.ID, Identity{UserID: "bob"}); err != models.ErrNotFound {
		t.Fatalf("foreign Get err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(sess.ID, Identity{UserID: "root", Admin: true}); err != nil {
		t.Fatalf("admin Get: %v", err)
	}
	if _, err := s.Get("no-such-id", Identity{Admin: true}); err != models.ErrNotFound {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestAnonymousScoping(t *testing.T) {
	s := newTestStore(t)
	anon := s.Create(CreateParams{Ticker: "AAPL", Market: "US"})

	if _, err := s.Get(anon.ID, Anonymous); err != nil {
		t.Fatalf("anonymous Get of anonymous session: %v", err)
	}
	if _, err := s.Get(anon.ID, Identity{UserID: "alice"}); err != models.ErrNotFound {
		t.Fatalf("named user read anonymous session, want ErrNotFound, got %v", err)
	}
}

func TestListSummariesQueuePositions(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ticks := 0
	s.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Second)
	}

	running := s.Create(CreateParams{Ticker: "600519", Market: "A-share", UserID: "alice"})
	q1 := s.Create(CreateParams{Ticker: "000858", Market: "A-share", UserID: "alice"})
	q2 := s.Create(CreateParams{Ticker: "300750", Market: "A-share", UserID: "alice"})

	s.Mutate(running.ID, func(x *models.Session) { x.Status = models.StatusRunning })
	s.Mutate(q1.ID, func(x *models.Session) { x.Status = models.StatusQueued })
	s.Mutate(q2.ID, func(x *models.Session) { x.Status = models.StatusQueued })

	list := s.ListSummaries(Identity{UserID: "alice"})
	if len(list) != 3 {
		t.Fatalf("len(list) = %d, want 3", len(list))
	}
	positions := map[string]int{}
	for _, sess := range list {
		positions[sess.ID] = sess.QueuePosition
		if sess.Reports != nil {
			t.Fatalf("summary for %s still carries reports", sess.ID)
		}
	}
	if positions[q1.ID] != 1 || positions[q2.ID] != 2 {
		t.Fatalf("queue positions = %v, want q1=1 q2=2", positions)
	}
	if positions[running.ID] != 0 {
		t.Fatalf("running session has queue position %d", positions[running.ID])
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	sess := s.Create(CreateParams{Ticker: "AAPL", Market: "US", UserID: "alice"})

	if !s.Delete(sess.ID) {
		t.Fatalf("Delete returned false for existing session")
	}
	if s.Delete(sess.ID) {
		t.Fatalf("Delete returned true for removed session")
	}
	if _, err := s.Get(sess.ID, Identity{UserID: "alice"}); err != models.ErrNotFound {
		t.Fatalf("Get after delete err = %v, want ErrNotFound", err)
	}
}

func TestLoadRecoversRunningSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	first := New(path, nil)
	sess := first.Create(CreateParams{Ticker: "600519", Market: "A-share", UserID: "alice"})
	first.Mutate(sess.ID, func(x *models.Session) {
		x.Status = models.StatusRunning
		x.CurrentAgent = "Market Analyst"
	})

	second := New(path, nil)
	if err := second.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, err := second.Get(sess.ID, Identity{UserID: "alice"})
	if err != nil {
		t.Fatalf("Get after load: %v", err)
	}
	if got.Status != models.StatusError {
		t.Fatalf("recovered status = %s, want error", got.Status)
	}
	if got.ErrorMsg == "" || len([]rune(got.ErrorMsg)) > models.MaxErrorMsgLen {
		t.Fatalf("recovered error msg %q out of bounds", got.ErrorMsg)
	}
	if got.CurrentAgent != "" {
		t.Fatalf("recovered current agent = %q, want empty", got.CurrentAgent)
	}
}

func TestLoadAcceptsLegacyFieldNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	legacy := []map[string]any{{
		"id":           "legacy-1",
		"ticker":       "0700.HK",
		"market":       "HK",
		"userId":       "alice",
		"status":       "completed",
		"decision":     "BUY",
		"currentAgent": "",
		"createdAt":    "2025-11-02T09:30:00Z",
	}}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write legacy snapshot: %v", err)
	}

	s := New(path, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := s.Get("legacy-1", Identity{UserID: "alice"})
	if err != nil {
		t.Fatalf("Get legacy record: %v", err)
	}
	if got.UserID != "alice" {
		t.Fatalf("legacy userId not read, got %q", got.UserID)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("legacy createdAt not read")
	}
}

func TestOldestQueued(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ticks := 0
	s.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Minute)
	}

	a := s.Create(CreateParams{Ticker: "AAPL", Market: "US", UserID: "alice"})
	b := s.Create(CreateParams{Ticker: "MSFT", Market: "US", UserID: "alice"})
	s.Mutate(a.ID, func(x *models.Session) { x.Status = models.StatusQueued })
	s.Mutate(b.ID, func(x *models.Session) { x.Status = models.StatusQueued })

	got := s.OldestQueued("alice")
	if got == nil || got.ID != a.ID {
		t.Fatalf("OldestQueued = %+v, want session %s", got, a.ID)
	}
	if s.OldestQueued("bob") != nil {
		t.Fatalf("OldestQueued for user without queue should be nil")
	}
}
