package models

// Engine feed event types, one per NDJSON line.
const (
	Event_NodeStart    = "node_start"
	Event_Token        = "token"
	Event_NodeEnd      = "node_end"
	Event_Heartbeat    = "heartbeat"
	Event_Complete     = "complete"
	Event_Error        = "error"
	Event_QuotaError   = "quota_error"
	Event_TimeoutError = "timeout_error"
)

// EngineEvent is one line of the engine's chunked analysis feed.
type EngineEvent struct {
	Type    string `json:"type"`
	Agent   string `json:"agent"`
	Content string `json:"content"`
}

// TerminalEvent reports whether the event ends the feed.
func (e EngineEvent) TerminalEvent() bool {
	switch e.Type {
	case Event_Complete, Event_Error, Event_QuotaError, Event_TimeoutError:
		return true
	}
	return false
}
