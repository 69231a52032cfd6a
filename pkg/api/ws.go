package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/hatchpod/pkg/approval"
	"github.com/odvcencio/hatchpod/pkg/session"
)

const (
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsAuthTimeout  = 10 * time.Second
)

// StatusUnauthorized is the close code sent when the first frame is not
// a valid auth frame.
const StatusUnauthorized websocket.StatusCode = 4401

// clientFrame is a control frame received from a WebSocket client.
type clientFrame struct {
	Type        string            `json:"type"`
	Token       string            `json:"token,omitempty"`
	Text        string            `json:"text,omitempty"`
	ToolUseID   string            `json:"toolUseId,omitempty"`
	AlwaysAllow bool              `json:"alwaysAllow,omitempty"`
	Answers     map[string]string `json:"answers,omitempty"`
	Mode        string            `json:"mode,omitempty"`

	// Message carries the optional denial reason on deny frames.
	Message string `json:"message,omitempty"`
}

// wsConn adapts a websocket connection to the session.Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, f session.Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, c.conn, f); err != nil {
		return err
	}
	metricFramesSent.Inc()
	return nil
}

// handleStream upgrades to WebSocket and attaches the client to the
// session's watcher. The first client frame must be
// {"type":"auth","token":...}; anything else closes the socket with 4401.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Printf("ws accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !s.wsAuthenticate(ctx, conn) {
		conn.Close(StatusUnauthorized, "unauthorized")
		return
	}

	// Observe falls back to materializing a transcript-tailing session
	// when the id is not live, so CLI-driven conversations stream too.
	sess, err := s.registry.Observe(id)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "session not found")
		return
	}

	client := &wsConn{conn: conn}
	subID := sess.Watcher().Subscribe(ctx, client)
	defer sess.Watcher().Unsubscribe(subID)

	metricWSClients.Inc()
	defer metricWSClients.Dec()

	s.startWSPing(ctx, conn)
	s.readLoop(ctx, conn, client, id)
}

// wsAuthenticate reads the first frame and validates the bearer token.
func (s *Server) wsAuthenticate(ctx context.Context, conn *websocket.Conn) bool {
	authCtx, cancel := context.WithTimeout(ctx, wsAuthTimeout)
	defer cancel()

	var frame clientFrame
	if err := wsjson.Read(authCtx, conn, &frame); err != nil {
		return false
	}
	return frame.Type == "auth" && s.tokenMatches(frame.Token)
}

// readLoop dispatches client control frames until the connection drops.
// Malformed frames are logged and dropped; the connection stays open.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, client *wsConn, id string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Printf("ws %s: malformed frame: %v", id, err)
			continue
		}

		if err := s.dispatch(id, frame); err != nil {
			_ = client.Send(ctx, session.ErrorFrame(err.Error()))
		}
	}
}

func (s *Server) dispatch(id string, frame clientFrame) error {
	switch frame.Type {
	case "prompt":
		return s.registry.Prompt(id, frame.Text)
	case "approve":
		err := s.registry.Approve(id, frame.ToolUseID, frame.AlwaysAllow, frame.Answers)
		if err == nil {
			metricApprovals.WithLabelValues("allow").Inc()
		}
		return err
	case "deny":
		err := s.registry.Deny(id, frame.ToolUseID, frame.Message)
		if err == nil {
			metricApprovals.WithLabelValues("deny").Inc()
		}
		return err
	case "interrupt":
		return s.registry.Interrupt(id)
	case "set_mode":
		mode, err := approval.ParseMode(frame.Mode)
		if err != nil {
			return err
		}
		return s.registry.SetMode(id, mode)
	default:
		s.logger.Printf("ws %s: unknown frame type %q", id, frame.Type)
		return nil
	}
}

// startWSPing keeps the connection alive with periodic ping frames.
func (s *Server) startWSPing(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				err := wsjson.Write(pingCtx, conn, session.Frame{Type: session.FramePing})
				cancel()
				if err != nil {
					return
				}
			}
		}
	}()
}

// originPatterns converts the allowed origins list into the host
// patterns nhooyr's accept check expects.
func (s *Server) originPatterns() []string {
	patterns := make([]string, 0, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return []string{"*"}
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			patterns = append(patterns, parsed.Host)
		} else if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return patterns
}
