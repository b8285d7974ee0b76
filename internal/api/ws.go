package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type wsControl struct {
	Action string `json:"action"`
	JobID  string `json:"job_id"`
}

type wsReply struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	JobID   string `json:"job_id,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, "websocket relay is not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade")
		return
	}
	timeout := s.cfg.WSSendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &wsConn{conn: conn, timeout: timeout}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if n := s.cfg.WSControlRate; n > 0 {
		limiter = rate.NewLimiter(rate.Limit(n), n)
	}

	ctx := r.Context()
	var current string
	defer func() {
		if current != "" {
			s.registry.Disconnect(client, current)
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			s.wsReply(ctx, client, wsReply{Type: "error", Content: "Rate limit exceeded"})
			continue
		}
		var msg wsControl
		if err := json.Unmarshal(data, &msg); err != nil {
			s.wsReply(ctx, client, wsReply{Type: "error", Content: "Invalid JSON"})
			continue
		}
		jobID := strings.TrimSpace(msg.JobID)

		switch strings.ToLower(strings.TrimSpace(msg.Action)) {
		case "subscribe":
			if jobID == "" {
				s.wsReply(ctx, client, wsReply{Type: "error", Content: "job_id is required"})
				continue
			}
			if current != jobID {
				if current != "" {
					s.registry.Disconnect(client, current)
					current = ""
				}
				if err := s.registry.Connect(ctx, client, jobID); err != nil {
					s.log.Error().Err(err).Str("job_id", jobID).Msg("websocket subscribe")
					s.wsReply(ctx, client, wsReply{Type: "error", Content: "Failed to subscribe", JobID: jobID})
					continue
				}
				current = jobID
			}
			s.wsReply(ctx, client, wsReply{Type: "subscribed", Content: fmt.Sprintf("Subscribed to job %s", jobID), JobID: jobID})
		case "unsubscribe":
			previous := current
			if current != "" {
				s.registry.Disconnect(client, current)
				current = ""
			}
			s.wsReply(ctx, client, wsReply{Type: "unsubscribed", Content: "Unsubscribed successfully", JobID: previous})
		case "ping":
			s.wsReply(ctx, client, wsReply{Type: "pong", Content: "Connection alive"})
		default:
			s.wsReply(ctx, client, wsReply{Type: "error", Content: fmt.Sprintf("Unknown action: %s", msg.Action)})
		}
	}
}

func (s *Server) wsReply(ctx context.Context, client *wsConn, reply wsReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := client.Send(ctx, data); err != nil {
		s.log.Debug().Err(err).Str("type", reply.Type).Msg("websocket reply")
	}
}
