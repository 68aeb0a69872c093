// Package server exposes the session lifecycle over HTTP: a JSON API
// plus a Server-Sent Events stream of session snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dyike/TradeFlowGo/consts"
	"github.com/dyike/TradeFlowGo/internal/auth"
	"github.com/dyike/TradeFlowGo/internal/hub"
	"github.com/dyike/TradeFlowGo/internal/lifecycle"
	"github.com/dyike/TradeFlowGo/internal/marketdata"
	"github.com/dyike/TradeFlowGo/internal/store"
	"github.com/dyike/TradeFlowGo/models"
)

// TickerLookup resolves a ticker against its market's vendor.
type TickerLookup interface {
	Lookup(ctx context.Context, ticker, market string) (*marketdata.Result, error)
}

// EngineHealth probes the analysis engine.
type EngineHealth interface {
	Health(ctx context.Context) error
}

// Server routes API requests to the lifecycle manager.
type Server struct {
	addr      string
	manager   *lifecycle.Manager
	users     *auth.Table
	validator TickerLookup
	engine    EngineHealth
	logger    *slog.Logger

	httpServer *http.Server
}

// New builds a server. validator and engine may be nil; the endpoints
// that need them degrade accordingly.
func New(addr string, manager *lifecycle.Manager, users *auth.Table, validator TickerLookup, engine EngineHealth, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		manager:   manager,
		users:     users,
		validator: validator,
		engine:    engine,
		logger:    logger.With("component", "server"),
	}
}

type ctxKey string

const identityKey ctxKey = "identity"

// Router assembles the chi router with the full API surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.identityMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/meta", s.handleMeta)
		r.Get("/validate", s.handleValidate)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Get("/", s.handleList)
			r.Get("/running", s.handleRunning)
			r.Get("/{id}", s.handleGet)
			r.Post("/{id}/retry", s.handleRetry)
			r.Delete("/{id}", s.handleDelete)
			r.Get("/{id}/stream", s.handleStream)
		})
	})

	return r
}

// Start serves until ctx is cancelled, then drains with a short
// deadline. The write timeout stays off so SSE streams can live as
// long as their session runs.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// identityMiddleware resolves basic-auth credentials to an identity.
// Requests without valid credentials proceed as anonymous.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := store.Anonymous
		if s.users != nil {
			if user, pass, ok := r.BasicAuth(); ok {
				id = s.users.Authenticate(user, pass)
			}
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) store.Identity {
	if id, ok := r.Context().Value(identityKey).(store.Identity); ok {
		return id
	}
	return store.Anonymous
}

type createRequest struct {
	Ticker    string   `json:"ticker"`
	Market    string   `json:"market"`
	Model     string   `json:"model"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Analysts  []string `json:"analysts"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := identityFrom(r)
	sess, err := s.manager.CreateSession(store.CreateParams{
		Ticker:           req.Ticker,
		Market:           req.Market,
		Model:            req.Model,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		UserID:           id.UserID,
		SelectedAnalysts: req.Analysts,
	})
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List(identityFrom(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"), identityFrom(r))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Retry(chi.URLParam(r, "id"), identityFrom(r))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(chi.URLParam(r, "id"), identityFrom(r)); err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.manager.RunningCount(identityFrom(r)),
	})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"markets":  consts.Markets,
		"models":   consts.ModelPresets,
		"analysts": consts.DefaultAnalysts,
		"stages":   consts.StageOrder,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		writeError(w, http.StatusServiceUnavailable, "ticker validation not available")
		return
	}
	ticker := r.URL.Query().Get("ticker")
	market := r.URL.Query().Get("market")
	if market == "" {
		market = consts.Market_AShare
	}
	res, err := s.validator.Lookup(r.Context(), ticker, market)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engineStatus := "unknown"
	if s.engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.engine.Health(ctx); err != nil {
			engineStatus = "down"
		} else {
			engineStatus = "up"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"engine": engineStatus,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStream serves the live session stream over SSE. The current
// snapshot is always sent first; a session already in a terminal state
// gets that one frame and the stream ends.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	identity := identityFrom(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the snapshot so a terminal transition
	// between the two is still delivered.
	ch := s.manager.Subscribe(id)
	defer s.manager.Unsubscribe(id, ch)

	sess, err := s.manager.Get(id, identity)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	data, err := json.Marshal(sess)
	if err != nil {
		return
	}
	writeFrame(w, hub.FrameSnapshot, data)
	flusher.Flush()
	if sess.Status.Terminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, open := <-ch:
			if !open {
				return
			}
			writeFrame(w, frame.Event, frame.Data)
			flusher.Flush()
			if frame.Event == hub.FrameSnapshot && snapshotTerminal(frame.Data) {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, event string, data []byte) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func snapshotTerminal(data []byte) bool {
	var probe struct {
		Status models.Status `json:"status"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Status.Terminal()
}

func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
