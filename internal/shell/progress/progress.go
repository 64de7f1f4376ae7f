// Package progress fans deployment progress out to session subscribers.
//
// Publishing never blocks and never fails: a subscriber whose buffer is
// full misses the message.
package progress

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Phases reported by the orchestrator.
const (
	PhaseStarting   = "starting"
	PhaseStack      = "stack"
	PhaseStackDone  = "stack_done"
	PhaseStackError = "stack_error"
	PhaseCompleted  = "completed"
	PhaseFailed     = "failed"
)

// DefaultBufferSize is the per-subscriber message buffer.
const DefaultBufferSize = 64

// Publisher receives progress updates keyed by session.
type Publisher interface {
	Publish(sessionID, phase, message string, percent int)
}

// Noop discards every update.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(string, string, string, int) {}

// Event is one progress update as sent to subscribers.
type Event struct {
	SessionID string    `json:"session_id"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	Percent   int       `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

// =============================================================================
// Hub
// =============================================================================

// Hub is an in-process Publisher with per-session subscriptions.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[chan Event]struct{}
	bufferSize int
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewHub creates a hub. A bufferSize <= 0 uses DefaultBufferSize.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[string]map[chan Event]struct{}),
		bufferSize: bufferSize,
		logger:     logger.With("component", "progress_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(sessionID, phase, message string, percent int) {
	if sessionID == "" {
		return
	}
	ev := Event{
		SessionID: sessionID,
		Phase:     phase,
		Message:   message,
		Percent:   clampPercent(percent),
		Timestamp: time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropping progress event", "session_id", sessionID, "phase", phase)
		}
	}
}

// Subscribe registers a subscriber for a session. The returned function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, h.bufferSize)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of subscribers of a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// ServeSession upgrades the request to a websocket and streams the session's
// events until the client goes away or a terminal phase is sent.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "session_id", sessionID, "error", err)
		return
	}
	defer ws.Close()

	events, unsubscribe := h.Subscribe(sessionID)
	defer unsubscribe()

	// Reader loop only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug("progress subscriber connected", "session_id", sessionID)
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				h.logger.Debug("progress subscriber write failed", "session_id", sessionID, "error", err)
				return
			}
			if ev.Phase == PhaseCompleted || ev.Phase == PhaseFailed {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ev.Phase))
				return
			}
		}
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
