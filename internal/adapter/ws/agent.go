// Package ws exposes the desktop-agent link over a WebSocket endpoint and
// adapts the connection to the agentlink Transport contract.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/agentlink"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20 // agents ship file contents and screenshots
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The agent authenticates at a higher layer; the endpoint itself is
	// origin-agnostic.
	CheckOrigin: func(*http.Request) bool { return true },
}

// inbound is every message shape an agent may send.
type inbound struct {
	Type         string          `json:"type"`
	AgentID      string          `json:"agentId,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	ID           string          `json:"id,omitempty"`
	Success      bool            `json:"success,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// transport adapts one WebSocket connection to agentlink.Transport. Writes
// are serialized; gorilla permits one concurrent writer.
type transport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *transport) Send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *transport) Close() error {
	return t.conn.Close()
}

// Handler upgrades agent connections and pumps their messages into the
// router. The first message must be a register frame.
func Handler(router *agentlink.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Default().Warn("agent upgrade failed", slog.Any("error", err))
			return
		}
		conn.SetReadLimit(maxMessageSize)
		go pump(router, conn)
	}
}

func pump(router *agentlink.Router, conn *websocket.Conn) {
	tr := &transport{conn: conn}
	var agentID string
	defer func() {
		_ = conn.Close()
		if agentID != "" {
			router.HandleTransportClose(agentID)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Default().Warn("agent read failed",
					slog.String("agent_id", agentID), slog.Any("error", err))
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Default().Warn("agent sent malformed frame",
				slog.String("agent_id", agentID), slog.Any("error", err))
			continue
		}
		switch msg.Type {
		case "register":
			if msg.AgentID == "" {
				slog.Default().Warn("register frame without agentId")
				continue
			}
			agentID = msg.AgentID
			router.RegisterAgent(agentID, tr, msg.Capabilities)
		case "heartbeat":
			if agentID != "" {
				router.Heartbeat(agentID)
			}
		case "result":
			var result any
			if len(msg.Result) > 0 {
				if err := json.Unmarshal(msg.Result, &result); err != nil {
					slog.Default().Warn("agent result payload malformed",
						slog.String("id", msg.ID), slog.Any("error", err))
				}
			}
			router.HandleCommandResult(msg.ID, msg.Success, result, msg.Error)
		default:
			slog.Default().Warn("agent sent unknown frame type", slog.String("type", msg.Type))
		}
	}
}
