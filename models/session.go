package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further automatic transitions occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Session is one user-initiated analysis job and its accumulated state.
// The store owns the canonical copy; everything handed out is a clone.
type Session struct {
	ID        string `json:"id"`
	Ticker    string `json:"ticker"`
	Market    string `json:"market"`
	Model     string `json:"model"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`

	// UserID is the owner; empty means anonymous/shared.
	UserID string `json:"user_id"`

	Status Status `json:"status"`

	// CurrentAgent is the stage currently producing output, empty when
	// none is active.
	CurrentAgent string `json:"current_agent"`

	// Progress lists fully completed stages in completion order.
	Progress []string `json:"progress"`

	// Reports maps stage name to accumulated output; partial while the
	// stage streams, final once it completes.
	Reports map[string]string `json:"reports,omitempty"`

	// Decision is BUY/SELL/HOLD once Status is completed.
	Decision string `json:"decision"`

	ErrorMsg string `json:"error_msg"`

	// SelectedAnalysts is the analyst selection forwarded to the engine,
	// kept on the record so a queued session starts with the same
	// selection it was created with.
	SelectedAnalysts []string `json:"selected_analysts"`

	CreatedAt time.Time `json:"created_at"`

	// QueuePosition is computed per user for queued sessions in list
	// views; never persisted.
	QueuePosition int `json:"queue_position,omitempty"`
}

// sessionAliases carries legacy field spellings accepted on read.
type sessionAliases struct {
	UserID           string    `json:"userId"`
	StartDate        string    `json:"startDate"`
	EndDate          string    `json:"endDate"`
	CurrentAgent     string    `json:"currentAgent"`
	ErrorMsg         string    `json:"errorMsg"`
	SelectedAnalysts []string  `json:"selectedAnalysts"`
	CreatedAt        time.Time `json:"createdAt"`
}

// UnmarshalJSON accepts both the current snake_case field names and the
// legacy camelCase spellings older snapshots were written with.
func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	if err := json.Unmarshal(data, (*plain)(s)); err != nil {
		return err
	}
	var legacy sessionAliases
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	if s.UserID == "" {
		s.UserID = legacy.UserID
	}
	if s.StartDate == "" {
		s.StartDate = legacy.StartDate
	}
	if s.EndDate == "" {
		s.EndDate = legacy.EndDate
	}
	if s.CurrentAgent == "" {
		s.CurrentAgent = legacy.CurrentAgent
	}
	if s.ErrorMsg == "" {
		s.ErrorMsg = legacy.ErrorMsg
	}
	if len(s.SelectedAnalysts) == 0 {
		s.SelectedAnalysts = legacy.SelectedAnalysts
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = legacy.CreatedAt
	}
	return nil
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Progress != nil {
		cp.Progress = append([]string(nil), s.Progress...)
	}
	if s.Reports != nil {
		cp.Reports = make(map[string]string, len(s.Reports))
		for k, v := range s.Reports {
			cp.Reports[k] = v
		}
	}
	if s.SelectedAnalysts != nil {
		cp.SelectedAnalysts = append([]string(nil), s.SelectedAnalysts...)
	}
	return &cp
}

// Summary returns a copy without report bodies, for list views.
func (s *Session) Summary() *Session {
	cp := s.Clone()
	cp.Reports = nil
	return cp
}
