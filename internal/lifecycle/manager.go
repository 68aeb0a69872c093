// Package lifecycle orchestrates sessions: creation, admission and
// queueing, the per-session aggregation task, retry, delete, and
// shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dyike/TradeFlowGo/consts"
	"github.com/dyike/TradeFlowGo/internal/engine"
	"github.com/dyike/TradeFlowGo/internal/hub"
	"github.com/dyike/TradeFlowGo/internal/marketdata"
	"github.com/dyike/TradeFlowGo/internal/store"
	"github.com/dyike/TradeFlowGo/models"
)

// Feed consumes the engine's event stream for one run.
type Feed interface {
	Stream(ctx context.Context, req engine.FeedRequest, handle func(models.EngineEvent) error) error
}

// Manager is the façade over the store, the hub, and the engine feed.
type Manager struct {
	store       *store.Store
	hub         *hub.Hub
	feed        Feed
	feedTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
	tasks     map[string]*task
	closed    bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a lifecycle manager. feedTimeout bounds one engine feed.
func New(st *store.Store, h *hub.Hub, feed Feed, feedTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       st,
		hub:         h,
		feed:        feed,
		feedTimeout: feedTimeout,
		logger:      logger.With("component", "lifecycle"),
		userLocks:   make(map[string]*sync.Mutex),
		tasks:       make(map[string]*task),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// CreateSession validates the request, stores a pending record, and
// runs it through admission. The returned snapshot reflects the
// admission outcome (running or queued).
func (m *Manager) CreateSession(params store.CreateParams) (*models.Session, error) {
	if err := normalizeParams(&params); err != nil {
		return nil, err
	}

	sess := m.store.Create(params)
	m.logger.Info("session created",
		"session", sess.ID, "ticker", sess.Ticker, "market", sess.Market, "user", sess.UserID)

	m.requestStart(sess.ID, sess.UserID)

	return m.store.Get(sess.ID, store.Identity{UserID: sess.UserID, Admin: true})
}

// Retry re-admits a failed session. Only error sessions can be retried;
// the prior run's outputs are wiped before re-entering admission.
func (m *Manager) Retry(id string, req store.Identity) (*models.Session, error) {
	sess, err := m.store.Get(id, req)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusError {
		return nil, fmt.Errorf("%w: retry requires status error, session is %s",
			models.ErrInvalidTransition, sess.Status)
	}

	updated := m.store.Mutate(id, func(s *models.Session) {
		s.Status = models.StatusPending
		s.Progress = []string{}
		s.Reports = map[string]string{}
		s.Decision = ""
		s.ErrorMsg = ""
		s.CurrentAgent = ""
	})
	if updated == nil {
		return nil, models.ErrNotFound
	}
	m.hub.Publish(id, updated)
	m.logger.Info("session retried", "session", id)

	m.requestStart(id, updated.UserID)
	return m.store.Get(id, req)
}

// Delete removes a session in any status. A running task is cancelled
// first and the record is removed before the cancellation lands, so no
// publish can follow the delete. The freed slot still promotes the
// user's next queued session.
func (m *Manager) Delete(id string, req store.Identity) error {
	if _, err := m.store.Get(id, req); err != nil {
		return err
	}

	// Removing the record first makes every in-flight fold a no-op.
	m.store.Delete(id)

	m.mu.Lock()
	t := m.tasks[id]
	m.mu.Unlock()
	if t != nil {
		t.cancel()
		<-t.done
	}

	m.hub.CloseAll(id)
	m.logger.Info("session deleted", "session", id)
	return nil
}

// Get returns a session visible to the requester.
func (m *Manager) Get(id string, req store.Identity) (*models.Session, error) {
	return m.store.Get(id, req)
}

// List returns the requester's session summaries.
func (m *Manager) List(req store.Identity) []*models.Session {
	return m.store.ListSummaries(req)
}

// RunningCount returns the number of running sessions visible to the
// requester.
func (m *Manager) RunningCount(req store.Identity) int {
	return m.store.RunningCount(req)
}

// Subscribe attaches a live viewer to a session's broadcast stream.
func (m *Manager) Subscribe(id string) chan hub.Frame {
	return m.hub.Subscribe(id)
}

// Unsubscribe detaches a live viewer.
func (m *Manager) Unsubscribe(id string, ch chan hub.Frame) {
	m.hub.Unsubscribe(id, ch)
}

// Shutdown cancels every running task, waits for them to unwind, and
// writes a final snapshot. In-flight runs are voided; the restart scan
// marks them failed on next load.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.baseCancel()
	m.wg.Wait()
	m.hub.Shutdown()
	m.store.Save()
	m.logger.Info("lifecycle shut down")
}

// requestStart runs the admission check for a session: start the run if
// the user's slot is free, queue otherwise. Anonymous sessions always
// start immediately.
func (m *Manager) requestStart(sessionID, userID string) {
	if userID == "" {
		m.startRun(sessionID)
		return
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if m.store.HasRunning(userID) {
		queued := m.store.Mutate(sessionID, func(s *models.Session) {
			s.Status = models.StatusQueued
		})
		if queued != nil {
			m.hub.Publish(sessionID, queued)
			m.logger.Info("session queued", "session", sessionID, "user", userID)
		}
		return
	}
	m.startRun(sessionID)
}

// startRun transitions the session to running and launches its
// aggregation task. Callers holding the user lock guarantee the
// check-and-transition is not raced for one user.
func (m *Manager) startRun(sessionID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	running := m.store.Mutate(sessionID, func(s *models.Session) {
		s.Status = models.StatusRunning
		s.CurrentAgent = consts.StageOrder[0]
	})
	if running == nil {
		return
	}
	m.hub.Publish(sessionID, running)
	m.logger.Info("session running", "session", sessionID, "ticker", running.Ticker)

	ctx, cancel := context.WithTimeout(m.baseCtx, m.feedTimeout)
	t := &task{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.tasks[sessionID] = t
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(t.done)
		defer cancel()

		m.runAggregator(ctx, running)

		// The finally path: release the slot, then promote the user's
		// oldest queued session, even on cancellation.
		m.mu.Lock()
		delete(m.tasks, sessionID)
		m.mu.Unlock()

		m.promoteNext(running.UserID)
	}()
}

// promoteNext starts the user's oldest queued session once their slot
// is free.
func (m *Manager) promoteNext(userID string) {
	if userID == "" {
		return
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if m.store.HasRunning(userID) {
		return
	}
	next := m.store.OldestQueued(userID)
	if next == nil {
		return
	}
	m.logger.Info("promoting queued session", "session", next.ID, "user", userID)
	m.startRun(next.ID)
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	return lock
}

// normalizeParams validates and fills defaults on creation parameters.
func normalizeParams(p *store.CreateParams) error {
	p.Ticker = strings.TrimSpace(strings.ToUpper(p.Ticker))
	if p.Ticker == "" {
		return fmt.Errorf("%w: ticker is required", models.ErrValidation)
	}
	if p.Market == "" {
		p.Market = consts.Market_AShare
	}
	if !consts.IsMarket(p.Market) {
		return fmt.Errorf("%w: unknown market %q", models.ErrValidation, p.Market)
	}
	if err := marketdata.ValidateFormat(p.Ticker, p.Market); err != nil {
		return err
	}
	if p.Model == "" {
		p.Model = consts.DefaultModel
	}
	if _, ok := consts.ModelPresets[p.Model]; !ok {
		return fmt.Errorf("%w: unknown model %q", models.ErrValidation, p.Model)
	}

	today := time.Now().Format("2006-01-02")
	if strings.TrimSpace(p.StartDate) == "" {
		p.StartDate = today
	}
	if strings.TrimSpace(p.EndDate) == "" {
		p.EndDate = p.StartDate
	}
	for _, date := range []string{p.StartDate, p.EndDate} {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("%w: invalid date %q", models.ErrValidation, date)
		}
	}

	if len(p.SelectedAnalysts) == 0 {
		p.SelectedAnalysts = append([]string(nil), consts.DefaultAnalysts...)
	}
	for _, analyst := range p.SelectedAnalysts {
		if _, ok := consts.AnalystStages[analyst]; !ok {
			return fmt.Errorf("%w: unknown analyst %q", models.ErrValidation, analyst)
		}
	}
	return nil
}
