package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/yejunhao159/comfyui-agent/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CORS is enforced by the surrounding middleware; the browser chat UI
	// may be served from the ComfyUI origin rather than ours.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one websocket client. gorilla/websocket
// permits a single concurrent writer; event forwarding and chat responses
// arrive from different goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// wsInbound is a frame from the client.
type wsInbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// handleChatWS upgrades to a websocket for bidirectional chat. Every bus
// event is forwarded as {"type":"event",...} so the client can render
// streaming text, tool activity, and backend progress live; chat turns run
// in the background so cancel frames are handled while the agent works.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	client := &wsConn{conn: conn}
	s.logger.Info("websocket client connected", "remote", conn.RemoteAddr())
	if s.metrics != nil {
		s.metrics.ActiveWebsockets.Inc()
	}

	unsubscribe := s.bus.SubscribeAll(func(ev events.Event) {
		_ = client.sendJSON(map[string]any{
			"type":       "event",
			"event_type": string(ev.Type),
			"data":       ev.Data,
			"session_id": ev.SessionID,
			"timestamp":  ev.Timestamp.UnixMilli(),
		})
	})
	defer func() {
		unsubscribe()
		conn.Close()
		if s.metrics != nil {
			s.metrics.ActiveWebsockets.Dec()
		}
		s.logger.Info("websocket client disconnected", "remote", conn.RemoteAddr())
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsInbound
		if err := json.Unmarshal(raw, &frame); err != nil {
			_ = client.sendJSON(map[string]any{"type": "error", "error": "Invalid JSON"})
			continue
		}
		s.handleWSFrame(client, frame)
	}
}

func (s *Server) handleWSFrame(client *wsConn, frame wsInbound) {
	switch frame.Type {
	case "chat":
		if frame.Message == "" {
			_ = client.sendJSON(map[string]any{"type": "error", "error": "message is required"})
			return
		}
		sessionID := frame.SessionID
		if sessionID == "" {
			id, err := s.store.Create("WS Session")
			if err != nil {
				_ = client.sendJSON(map[string]any{"type": "error", "error": err.Error()})
				return
			}
			sessionID = id
			_ = client.sendJSON(map[string]any{
				"type":       "session_created",
				"session_id": sessionID,
			})
		}
		go s.runAgentForWS(client, sessionID, frame.Message)

	case "cancel":
		if frame.SessionID != "" {
			s.agent.Cancel(frame.SessionID)
			_ = client.sendJSON(map[string]any{
				"type":       "cancelled",
				"session_id": frame.SessionID,
			})
		}

	case "ping":
		_ = client.sendJSON(map[string]any{"type": "pong"})
	}
}

func (s *Server) runAgentForWS(client *wsConn, sessionID, message string) {
	// context.Background: the turn outlives the read that started it and
	// is cancelled through the agent's own cancel flag.
	response, err := s.agent.Run(context.Background(), sessionID, message)
	if err != nil {
		s.logger.Error("agent error", "session_id", sessionID, "err", err)
		_ = client.sendJSON(map[string]any{
			"type":       "error",
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return
	}
	_ = client.sendJSON(map[string]any{
		"type":       "response",
		"session_id": sessionID,
		"content":    response,
	})
}
