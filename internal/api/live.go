package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// LiveRegistry tracks open live-mode connections per session.
type LiveRegistry struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
}

// NewLiveRegistry creates an empty registry.
func NewLiveRegistry() *LiveRegistry {
	return &LiveRegistry{active: make(map[string]map[*websocket.Conn]struct{})}
}

// Register adds a connection for a session.
func (l *LiveRegistry) Register(sessionID string, conn *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	conns, ok := l.active[sessionID]
	if !ok {
		conns = make(map[*websocket.Conn]struct{})
		l.active[sessionID] = conns
	}
	conns[conn] = struct{}{}
	slog.Info("Live connection registered", "session_id", sessionID, "connections", len(conns))
}

// Unregister removes a connection.
func (l *LiveRegistry) Unregister(sessionID string, conn *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	conns, ok := l.active[sessionID]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(l.active, sessionID)
	}
}

// count returns the open connections for a session.
func (l *LiveRegistry) count(sessionID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.active[sessionID])
}

// CloseSession closes every live connection of a removed session. The close
// handshakes complete in the background.
func (l *LiveRegistry) CloseSession(sessionID string) {
	l.mu.Lock()
	conns := l.active[sessionID]
	delete(l.active, sessionID)
	l.mu.Unlock()

	for conn := range conns {
		go func(c *websocket.Conn) {
			_ = c.Close(websocket.StatusNormalClosure, "session closed")
		}(conn)
	}
	if len(conns) > 0 {
		slog.Info("Live connections closed", "session_id", sessionID, "count", len(conns))
	}
}

// Live upgrades to a websocket. Each text message {"image_base64": ...} is
// processed as a pushed frame and answered with the frame result or
// {"error": ...}.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.machine.Resume(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.origins),
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", id)
		return
	}
	ws.SetReadLimit(h.maxBodySize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "live mode ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", id)
		}
	}()

	h.live.Register(id, ws)
	defer h.live.Unregister(id, ws)

	h.liveLoop(r.Context(), ws, id)
}

func (h *Handler) liveLoop(ctx context.Context, ws *websocket.Conn, id string) {
	for {
		var msg FrameRequest
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("Live connection closed", "session_id", id)
				return
			}
			slog.Warn("Live read error", "error", err, "session_id", id)
			_ = wsjson.Write(ctx, ws, map[string]string{"error": "invalid message: " + err.Error()})
			return
		}

		var reply any
		if strings.TrimSpace(msg.ImageBase64) == "" {
			reply = map[string]string{"error": errImageRequired}
		} else if !h.limiter.Allow(id, h.machine.Exists) {
			if h.throttle != nil {
				h.throttle.IncThrottle()
			}
			reply = map[string]string{"error": "frame rate limit exceeded"}
		} else if res, err := h.machine.PushFrame(ctx, id, msg.ImageBase64); err != nil {
			reply = map[string]string{"error": err.Error()}
			if StatusFor(err) == http.StatusNotFound {
				_ = wsjson.Write(ctx, ws, reply)
				return
			}
		} else {
			reply = res
		}

		if err := wsjson.Write(ctx, ws, reply); err != nil {
			slog.Debug("Live write error", "error", err, "session_id", id)
			return
		}
	}
}

// originPatterns converts allowed origins to host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		out = append(out, o)
	}
	return out
}
