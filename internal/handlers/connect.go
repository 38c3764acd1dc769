package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/draftwell/roomhost/internal/room"
	apperrors "github.com/draftwell/roomhost/pkg/errors"
	"github.com/draftwell/roomhost/pkg/logger"
	"github.com/draftwell/roomhost/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Tokens gate access, not origins: canvases connect from arbitrary hosts.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ConnectHandler upgrades authenticated requests into live room sockets.
type ConnectHandler struct {
	registry *room.Registry
}

func NewConnectHandler(registry *room.Registry) *ConnectHandler {
	return &ConnectHandler{registry: registry}
}

// Connect authorizes the token from the query string, upgrades the
// connection and hands the socket to the room actor. Auth failures are
// reported before the upgrade so clients get a proper HTTP status.
func (h *ConnectHandler) Connect(c *gin.Context) {
	desc, err := descriptorFromRequest(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	actor, err := h.registry.Get(desc)
	if err != nil {
		response.Error(c, err)
		return
	}

	// Browsers cannot set headers on websocket dials, so the token rides
	// the query string on this endpoint only.
	token := c.Query("token")
	if err := actor.Authorize(token); err != nil {
		response.Error(c, err)
		return
	}
	readonly := c.Query("readonly") == "true"

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		logger.WithModule("connect").Warn("upgrade failed", zap.Error(err))
		return
	}

	sessionID, err := actor.Connect(c.Request.Context(), token, conn, readonly)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, apperrors.FromError(err).Message),
			connCloseDeadline())
		_ = conn.Close()
		return
	}

	logger.WithRoom("connect", desc.RoomKey).Debug("socket attached", zap.String("session", sessionID))
}

func connCloseDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}
