package lifecycle

import (
	"testing"
	"time"

	"github.com/dyike/TradeFlowGo/internal/store"
	"github.com/dyike/TradeFlowGo/models"
)

func TestFoldTokenStreamIntoReport(t *testing.T) {
	feed := newFakeFeed()
	m := newTestManager(t, feed, time.Minute)

	sess, err := m.CreateSession(store.CreateParams{Ticker: "600519", Market: "A-share", UserID: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	feed.push("600519",
		models.EngineEvent{Type: models.Event_NodeStart, Agent: "Market Analyst"},
		models.EngineEvent{Type: models.Event_Token, Agent: "Market Analyst", Content: "Price "},
		models.EngineEvent{Type: models.Event_Token, Agent: "Market Analyst", Content: "is up."},
		models.EngineEvent{Type: models.Event_NodeEnd, Agent: "Market Analyst", Content: "Price is up."},
	)

	waitFor(t, "stage completion", func() bool {
		got, err := m.Get(sess.ID, store.Identity{UserID: "alice"})
		return err == nil && len(got.Progress) == 1
	})

	got, err := m.Get(sess.ID, store.Identity{UserID: "alice"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Reports["Market Analyst"] != "Price is up." {
		t.Fatalf("report = %q, want %q", got.Reports["Market Analyst"], "Price is up.")
	}
	if len(got.Progress) != 1 || got.Progress[0] != "Market Analyst" {
		t.Fatalf("progress = %v, want [Market Analyst]", got.Progress)
	}
	if got.CurrentAgent != "Social Analyst" {
		t.Fatalf("current agent = %q, want next stage Social Analyst", got.CurrentAgent)
	}
}

func TestNodeEndReplacesPartialTokens(t *testing.T) {
	feed := newFakeFeed()
	m := newTestManager(t, feed, time.Minute)

	sess, _ := m.CreateSession(store.CreateParams{Ticker: "600519", Market: "A-share", UserID: "alice"})

	feed.push("600519",
		models.EngineEvent{Type: models.Event_NodeStart, Agent: "Market Analyst"},
		models.EngineEvent{Type: models.Event_Token, Agent: "Market Analyst", Content: "messy raw tok"},
		models.EngineEvent{Type: models.Event_NodeEnd, Agent: "Market Analyst", Content: "Clean summary."},
	)

	waitFor(t, "stage completion", func() bool {
		got, err := m.Get(sess.ID, store.Identity{UserID: "alice"})
		return err == nil && len(got.Progress) == 1
	})

	got, _ := m.Get(sess.ID, store.Identity{UserID: "alice"})
	if got.Reports["Market Analyst"] != "Clean summary." {
		t.Fatalf("node_end did not replace partial content: %q", got.Reports["Market Analyst"])
	}
}

func TestNodeStartClearsStalePartial(t *testing.T) {
	feed := newFakeFeed()
	m := newTestManager(t, feed, time.Minute)

	sess, _ := m.CreateSession(store.CreateParams{Ticker: "600519", Market: "A-share", UserID: "alice"})

	feed.push("600519",
		models.EngineEvent{Type: models.Event_NodeStart, Agent: "Market Analyst"},
		models.EngineEvent{Type: models.Event_Token, Agent: "Market Analyst", Content: "stale"},
		models.EngineEvent{Type: models.Event_Error, Content: "flaky upstream"},
	)
	waitStatus(t, m, sess.ID, models.StatusError)

	if _, err := m.Retry(sess.ID, store.Identity{UserID: "alice"}); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	feed.push("600519",
		models.EngineEvent{Type: models.Event_NodeStart, Agent: "Market Analyst"},
		models.EngineEvent{Type: models.Event_Token, Agent: "Market Analyst", Content: "fresh"},
	)

	waitFor(t, "fresh partial", func() bool {
		got, err := m.Get(sess.ID, store.Identity{UserID: "alice"})
		return err == nil && got.Reports["Market Analyst"] == "fresh"
	})
}

func TestQuotaErrorMessage(t *testing.T) {
	feed := newFakeFeed()
	m := newTestManager(t, feed, time.Minute)

	sess, _ := m.CreateSession(store.CreateParams{Ticker: "600519", Market: "A-share", UserID: "alice"})
	feed.push("600519", models.EngineEvent{Type: models.Event_QuotaError})

	got := waitStatus(t, m, sess.ID, models.StatusError)
	if got.ErrorMsg == "" {
		t.Fatalf("quota error left empty message")
	}
}

func TestLongFeedErrorIsTruncated(t *testing.T) {
	feed := newFakeFeed()
	m := newTestManager(t, feed, time.Minute)

	sess, _ := m.CreateSession(store.CreateParams{Ticker: "600519", Market: "A-share", UserID: "alice"})

	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	feed.push("600519", models.EngineEvent{Type: models.Event_Error, Content: string(long)})

	got := waitStatus(t, m, sess.ID, models.StatusError)
	if len([]rune(got.ErrorMsg)) > models.MaxErrorMsgLen {
		t.Fatalf("error msg length %d exceeds bound", len([]rune(got.ErrorMsg)))
	}
}
