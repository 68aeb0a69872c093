// Package hub fans out session snapshots to live subscribers. It never
// mutates records, only serializes and delivers them.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dyike/TradeFlowGo/models"
)

// Frame event kinds delivered to subscribers.
const (
	FrameSnapshot  = "snapshot"
	FrameHeartbeat = "heartbeat"
)

// Frame is one delivery to a subscriber: a full serialized session
// snapshot, or a keep-alive carrying no session data.
type Frame struct {
	Event string
	Data  []byte
}

const subscriberBuffer = 64

// Hub holds the per-session subscriber sets.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Frame]struct{}

	heartbeat time.Duration
	logger    *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a hub that sends a keep-alive to every subscriber at the
// given interval, independent of publishes.
func New(heartbeat time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:      make(map[string]map[chan Frame]struct{}),
		heartbeat: heartbeat,
		logger:    logger.With("component", "hub"),
		done:      make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

// Subscribe registers a live viewer for a session. Subscribing to a
// terminal session is allowed; the hub does not buffer history, so the
// caller is responsible for delivering the current snapshot first.
func (h *Hub) Subscribe(sessionID string) chan Frame {
	ch := make(chan Frame, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[chan Frame]struct{})
		h.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel. Safe to call twice.
func (h *Hub) Unsubscribe(sessionID string, ch chan Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if _, ok := set[ch]; ok {
		delete(set, ch)
		close(ch)
	}
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// Publish serializes the full snapshot and delivers it to every live
// subscriber of the session. Subscribers whose buffers are full are
// pruned rather than blocked on.
func (h *Hub) Publish(sessionID string, snapshot *models.Session) {
	if snapshot == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Error("marshal snapshot failed", "session", sessionID, "error", err)
		return
	}
	h.deliver(sessionID, Frame{Event: FrameSnapshot, Data: data})
}

// CloseAll disconnects every subscriber of a session, used on delete.
func (h *Hub) CloseAll(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}

// Shutdown stops the heartbeat loop and disconnects all subscribers.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, sessionID)
	}
}

// SubscriberCount reports live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

func (h *Hub) deliver(sessionID string, frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		return
	}
	for ch := range set {
		select {
		case ch <- frame:
		default:
			// Subscriber stopped draining; prune it.
			delete(set, ch)
			close(ch)
			h.logger.Warn("pruned slow subscriber", "session", sessionID)
		}
	}
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

func (h *Hub) heartbeatLoop() {
	if h.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.broadcastHeartbeat()
		}
	}
}

func (h *Hub) broadcastHeartbeat() {
	h.mu.Lock()
	sessionIDs := make([]string, 0, len(h.subs))
	for id := range h.subs {
		sessionIDs = append(sessionIDs, id)
	}
	h.mu.Unlock()

	for _, id := range sessionIDs {
		h.deliver(id, Frame{Event: FrameHeartbeat})
	}
}
