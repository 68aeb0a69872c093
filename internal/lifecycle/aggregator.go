package lifecycle

import (
	"context"
	"errors"

	"github.com/dyike/TradeFlowGo/consts"
	"github.com/dyike/TradeFlowGo/internal/engine"
	"github.com/dyike/TradeFlowGo/internal/signal"
	"github.com/dyike/TradeFlowGo/models"
)

// errSessionGone aborts a feed whose session was deleted mid-run.
var errSessionGone = errors.New("session removed")

// runAggregator consumes one engine feed and folds every event into the
// session record, publishing after each mutation. All results are side
// effects on the record; the caller only observes task completion.
func (m *Manager) runAggregator(ctx context.Context, sess *models.Session) {
	req := engine.FeedRequest{
		Ticker:   sess.Ticker,
		Date:     sess.EndDate,
		Market:   sess.Market,
		Analysts: sess.SelectedAnalysts,
		Model:    sess.Model,
	}

	terminal := false
	err := m.feed.Stream(ctx, req, func(event models.EngineEvent) error {
		// No mutation may land after cancellation.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if event.TerminalEvent() {
			terminal = true
		}
		return m.fold(sess.ID, event)
	})

	switch {
	case err == nil:
		if !terminal {
			// The feed ended silently. Treated as success so sessions
			// cannot hang forever waiting for a complete event.
			m.logger.Warn("feed ended without terminal event", "session", sess.ID)
			m.finishSession(sess.ID, models.EngineEvent{Type: models.Event_Complete})
		}
	case errors.Is(err, errSessionGone):
		m.logger.Info("session removed mid-run", "session", sess.ID)
	case errors.Is(err, context.Canceled):
		m.logger.Info("run cancelled", "session", sess.ID)
	case errors.Is(err, context.DeadlineExceeded):
		m.failSession(sess.ID, "analysis timed out waiting for the engine feed")
	default:
		m.logger.Error("feed failed", "session", sess.ID, "error", err)
		m.failSession(sess.ID, err.Error())
	}
}

// fold applies one engine event to the session record and publishes the
// resulting snapshot.
func (m *Manager) fold(sessionID string, event models.EngineEvent) error {
	switch event.Type {
	case models.Event_Heartbeat:
		// Keep-alive only.
		return nil

	case models.Event_NodeStart:
		return m.mutateAndPublish(sessionID, func(s *models.Session) {
			s.CurrentAgent = event.Agent
			if s.Reports == nil {
				s.Reports = map[string]string{}
			}
			// A retry may leave a stale partial buffer for this stage.
			delete(s.Reports, event.Agent)
		})

	case models.Event_Token:
		return m.mutateAndPublish(sessionID, func(s *models.Session) {
			if s.Reports == nil {
				s.Reports = map[string]string{}
			}
			s.Reports[event.Agent] += event.Content
		})

	case models.Event_NodeEnd:
		return m.mutateAndPublish(sessionID, func(s *models.Session) {
			if s.Reports == nil {
				s.Reports = map[string]string{}
			}
			// The final content may differ from the token concatenation
			// when the engine cleans up the stage output.
			s.Reports[event.Agent] = event.Content
			if consts.IsStage(event.Agent) && !contains(s.Progress, event.Agent) {
				s.Progress = append(s.Progress, event.Agent)
			}
			s.CurrentAgent = consts.NextStage(event.Agent)
		})

	case models.Event_Complete:
		return m.finishSession(sessionID, event)

	case models.Event_Error, models.Event_QuotaError, models.Event_TimeoutError:
		return m.failSessionEvent(sessionID, event)

	default:
		// Unknown event types are skipped so feed evolution does not
		// break older services.
		m.logger.Warn("unknown feed event", "session", sessionID, "type", event.Type)
		return nil
	}
}

func (m *Manager) finishSession(sessionID string, event models.EngineEvent) error {
	return m.mutateAndPublish(sessionID, func(s *models.Session) {
		s.Status = models.StatusCompleted
		s.Decision = signal.ExtractDecision(event.Content)
		s.CurrentAgent = ""
		s.ErrorMsg = ""
	})
}

func (m *Manager) failSessionEvent(sessionID string, event models.EngineEvent) error {
	msg := event.Content
	if msg == "" {
		switch event.Type {
		case models.Event_QuotaError:
			msg = "analysis failed: API quota exhausted"
		case models.Event_TimeoutError:
			msg = "analysis failed: upstream timeout"
		default:
			msg = "analysis failed"
		}
	}
	return m.failSession(sessionID, msg)
}

func (m *Manager) failSession(sessionID, msg string) error {
	return m.mutateAndPublish(sessionID, func(s *models.Session) {
		s.Status = models.StatusError
		s.ErrorMsg = models.TruncateError(msg)
		s.CurrentAgent = ""
		s.Decision = ""
	})
}

func (m *Manager) mutateAndPublish(sessionID string, fn func(*models.Session)) error {
	snapshot := m.store.Mutate(sessionID, fn)
	if snapshot == nil {
		return errSessionGone
	}
	m.hub.Publish(sessionID, snapshot)
	return nil
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
