// Package store owns the canonical session records and mirrors them to
// a JSON snapshot on disk after every mutation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyike/TradeFlowGo/models"
)

// Identity scopes read access to session records.
type Identity struct {
	UserID string
	Admin  bool
}

// Anonymous is the identity of unauthenticated requesters.
var Anonymous = Identity{}

// canRead applies the information-hiding policy: admins see everything,
// everyone else only their own records (anonymous sees anonymous).
func (id Identity) canRead(s *models.Session) bool {
	return id.Admin || s.UserID == id.UserID
}

// CreateParams are the immutable request parameters of a new session.
type CreateParams struct {
	Ticker           string
	Market           string
	Model            string
	StartDate        string
	EndDate          string
	UserID           string
	SelectedAnalysts []string
}

// Store is the in-memory session map plus its on-disk snapshot.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session

	path   string
	saveMu sync.Mutex
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a store persisting to path. Pass an empty path to disable
// persistence (used by tests).
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*models.Session),
		path:     path,
		logger:   logger.With("component", "store"),
		now:      time.Now,
	}
}

// Load reads the snapshot from disk. Records found in running status are
// rewritten to error: the task that owned them died with the previous
// process, so the status cannot be trusted.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var records []*models.Session
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	recovered := 0
	s.mu.Lock()
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if rec.Status == models.StatusRunning {
			rec.Status = models.StatusError
			rec.ErrorMsg = models.TruncateError("analysis interrupted: service restarted while the session was running")
			rec.CurrentAgent = ""
			recovered++
		}
		s.sessions[rec.ID] = rec
	}
	total := len(s.sessions)
	s.mu.Unlock()

	if recovered > 0 {
		s.logger.Warn("recovered interrupted sessions", "count", recovered)
		s.Save()
	}
	s.logger.Info("loaded session snapshot", "sessions", total)
	return nil
}

// Save writes the full snapshot. Failures are logged, not returned: the
// in-memory state stays authoritative for the life of the process.
func (s *Store) Save() {
	if s.path == "" {
		return
	}

	s.mu.RLock()
	records := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		records = append(records, sess.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := writeSnapshot(s.path, records); err != nil {
		s.logger.Error("persist snapshot failed", "error", err)
	}
}

func writeSnapshot(path string, records []*models.Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(records); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	return os.Rename(tmpFile.Name(), path)
}

// Create inserts a new pending session and returns a copy of it.
func (s *Store) Create(params CreateParams) *models.Session {
	sess := &models.Session{
		ID:               uuid.New().String(),
		Ticker:           params.Ticker,
		Market:           params.Market,
		Model:            params.Model,
		StartDate:        params.StartDate,
		EndDate:          params.EndDate,
		UserID:           params.UserID,
		Status:           models.StatusPending,
		Progress:         []string{},
		Reports:          map[string]string{},
		SelectedAnalysts: append([]string(nil), params.SelectedAnalysts...),
		CreatedAt:        s.now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.Save()
	return sess.Clone()
}

// Get returns a copy of the session, or models.ErrNotFound when the id
// is unknown or the requester may not read it.
func (s *Store) Get(id string, req Identity) (*models.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	if ok && !req.canRead(sess) {
		ok = false
	}
	var cp *models.Session
	if ok {
		cp = sess.Clone()
	}
	s.mu.RUnlock()

	if !ok {
		return nil, models.ErrNotFound
	}
	return cp, nil
}

// ListSummaries returns the requester's visible sessions without report
// bodies, newest first, with per-user queue positions filled in.
func (s *Store) ListSummaries(req Identity) []*models.Session {
	s.mu.RLock()
	visible := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if req.canRead(sess) {
			visible = append(visible, sess.Summary())
		}
	}
	s.mu.RUnlock()

	// Queue positions are 1-based per user, in createdAt order among
	// that user's queued records.
	queuedByUser := make(map[string][]*models.Session)
	for _, sess := range visible {
		if sess.Status == models.StatusQueued {
			queuedByUser[sess.UserID] = append(queuedByUser[sess.UserID], sess)
		}
	}
	for _, queued := range queuedByUser {
		sortByCreation(queued)
		for i, sess := range queued {
			sess.QueuePosition = i + 1
		}
	}

	sort.Slice(visible, func(i, j int) bool {
		if visible[i].CreatedAt.Equal(visible[j].CreatedAt) {
			return visible[i].ID > visible[j].ID
		}
		return visible[i].CreatedAt.After(visible[j].CreatedAt)
	})
	return visible
}

// RunningCount returns the number of running sessions the requester can
// see.
func (s *Store) RunningCount(req Identity) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.Status == models.StatusRunning && req.canRead(sess) {
			count++
		}
	}
	return count
}

// Delete removes the session and reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if ok {
		s.Save()
	}
	return ok
}

// Mutate applies fn to the canonical record under the store lock, saves
// a snapshot, and returns a copy of the mutated record. It returns nil
// when the id is unknown (e.g. deleted while a task was finishing).
func (s *Store) Mutate(id string, fn func(*models.Session)) *models.Session {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	var cp *models.Session
	if ok {
		fn(sess)
		cp = sess.Clone()
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	s.Save()
	return cp
}

// HasRunning reports whether the user owns a session in running status.
func (s *Store) HasRunning(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Status == models.StatusRunning {
			return true
		}
	}
	return false
}

// OldestQueued returns a copy of the user's oldest queued session, or
// nil when none is queued.
func (s *Store) OldestQueued(userID string) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *models.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.Status != models.StatusQueued {
			continue
		}
		if oldest == nil || earlier(sess, oldest) {
			oldest = sess
		}
	}
	if oldest == nil {
		return nil
	}
	return oldest.Clone()
}

// All returns copies of every session regardless of requester, used by
// shutdown and recovery paths.
func (s *Store) All() []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		records = append(records, sess.Clone())
	}
	return records
}

func earlier(a, b *models.Session) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func sortByCreation(sessions []*models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return earlier(sessions[i], sessions[j])
	})
}
