package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wikiware/wikiware/backend/internal/pages"
	"github.com/wikiware/wikiware/backend/internal/presence"
)

const (
	// CloseUnauthenticated is sent when the handshake carries no valid session.
	CloseUnauthenticated = 4401
	// CloseInvalidLease is sent when the claimed lease is missing, expired,
	// or does not match the caller.
	CloseInvalidLease = 4409

	clientMessagePing    = "ping"
	clientMessageRelease = "release"

	socketWriteTimeout = 10 * time.Second
)

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type clientMessage struct {
	Type string `json:"type"`
}

// presenceConn serializes writes to one websocket connection.
type presenceConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *presenceConn) writeJSON(message presence.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return p.conn.WriteJSON(message)
}

func (p *presenceConn) closeWith(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	deadline := time.Now().Add(socketWriteTimeout)
	p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	p.conn.Close()
}

// handleEditPresenceSocket runs one room membership: lease validation,
// roster push on join, ping/release handling, and release-on-disconnect.
func (h *httpHandler) handleEditPresenceSocket(c *gin.Context) {
	page := strings.TrimSpace(c.Query("page"))
	branch := strings.TrimSpace(c.Query("branch"))
	if branch == "" {
		branch = pages.DefaultBranch
	}
	sessionID := strings.TrimSpace(c.Query("session_id"))
	mode := c.DefaultQuery("mode", presence.ModeEdit)

	claims, authErr := h.sessions.ValidateRequest(c.Request)

	rawConn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &presenceConn{conn: rawConn}

	if authErr != nil {
		conn.closeWith(CloseUnauthenticated, "unauthenticated")
		return
	}
	if page == "" || sessionID == "" {
		conn.closeWith(CloseInvalidLease, "missing page or session")
		return
	}
	ctx := c.Request.Context()
	if err := h.presence.ValidateSession(ctx, sessionID, claims.UserID, page, branch, mode); err != nil {
		h.logger.Info("presence socket rejected",
			zap.String("page", page),
			zap.String("branch", branch),
			zap.Error(err))
		conn.closeWith(CloseInvalidLease, "invalid or expired lease")
		return
	}

	member, leave := h.hub.Join(page, branch)
	defer func() {
		leave()
		if _, err := h.presence.Release(context.Background(), sessionID, claims.UserID); err != nil {
			h.logger.Warn("lease release on disconnect failed", zap.Error(err))
		}
		h.hub.BroadcastRoster(context.Background(), page, branch)
		rawConn.Close()
	}()

	roster, err := h.presence.Roster(ctx, page, branch)
	if err != nil {
		h.logger.Warn("join roster degraded to empty", zap.Error(err))
		roster = []presence.Editor{}
	}
	if err := conn.writeJSON(presence.Message{Type: presence.MessagePresence, Editors: roster}); err != nil {
		return
	}

	// Fan hub broadcasts out to this socket until the member leaves.
	go func() {
		for message := range member.Stream() {
			if err := conn.writeJSON(message); err != nil {
				return
			}
		}
	}()

	for {
		_, payload, err := rawConn.ReadMessage()
		if err != nil {
			return
		}
		var message clientMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			continue
		}

		switch message.Type {
		case clientMessagePing:
			status, err := h.presence.Heartbeat(ctx, sessionID, claims.UserID, page, branch)
			if err != nil {
				h.logger.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			if status == presence.HeartbeatMissing || status == presence.HeartbeatExpired {
				conn.writeJSON(presence.Message{Type: presence.MessageGoodbye, Reason: "lease_expired"})
				conn.closeWith(websocket.CloseNormalClosure, "lease expired")
				return
			}
		case clientMessageRelease:
			if _, err := h.presence.Release(ctx, sessionID, claims.UserID); err != nil {
				h.logger.Warn("lease release failed", zap.Error(err))
			}
			conn.writeJSON(presence.Message{Type: presence.MessageGoodbye, Reason: "released"})
			conn.closeWith(websocket.CloseNormalClosure, "released")
			return
		}
	}
}
