package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/weiawesome/meow-realtime/internal/audit"
	"github.com/weiawesome/meow-realtime/internal/auth"
	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/internal/hub"
	"github.com/weiawesome/meow-realtime/internal/service"
	"github.com/weiawesome/meow-realtime/pkg/log"
	"github.com/weiawesome/meow-realtime/pkg/middleware"
	"github.com/weiawesome/meow-realtime/pkg/response"
)

const frameTimeout = 10 * time.Second

type WSConfig struct {
	InstanceID     string
	AllowedOrigins []string
	BacklogLimit   int
}

type WSHandler struct {
	hub      Sessions
	service  service.ChatService
	presence Presence
	auth     auth.Authenticator
	cfg      WSConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(h Sessions, svc service.ChatService, presence Presence, authn auth.Authenticator, cfg WSConfig) *WSHandler {
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = service.DefaultBacklogLimit
	}
	wh := &WSHandler{
		hub:      h,
		service:  svc,
		presence: presence,
		auth:     authn,
		cfg:      cfg,
	}
	wh.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     wh.checkOrigin,
	}
	return wh
}

// RegisterRoutes mounts the socket endpoint on both paths used by clients.
func (h *WSHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.HandleWebSocket)
	r.GET("/chat/ws", h.HandleWebSocket)
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(h.cfg.AllowedOrigins, origin)
}

// HandleWebSocket authenticates the request and upgrades it. A failed
// validation answers 401 without creating a session.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	ctx := c.Request.Context()

	identity, err := h.auth.Validate(ctx, middleware.ExtractToken(c))
	if err != nil {
		audit.LogWithDetail(ctx, audit.ActionConnectFailed, "", c.ClientIP(), "websocket authentication failed")
		response.Unauthorized(c, "invalid or missing token")
		return
	}
	c.Set(log.FieldUserID, identity.UserID)

	since := h.backlogSince(ctx, c, identity.UserID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldUserID, identity.UserID).Msg("websocket upgrade failed")
		return
	}

	client, err := h.hub.Register(ctx, identity.UserID, conn, hub.Replaying())
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldUserID, identity.UserID).Msg("session registration failed")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	// The request context ends with the handler; sessions log through a
	// detached context carrying the same logger.
	sessionCtx := log.WithLogger(context.Background(), log.Ctx(ctx))
	sessionCtx = log.WithFields(sessionCtx, log.FieldSessionID, client.ID, log.FieldUserID, client.UserID)
	audit.Log(sessionCtx, audit.ActionConnect, client.UserID, "websocket connected")

	go client.WritePump()
	last := h.sendBacklog(sessionCtx, client, since)
	if err := client.EndReplay(last); err != nil {
		return
	}

	go func() {
		client.ReadPump(func(cl *hub.Client, data []byte) {
			h.handleFrame(sessionCtx, cl, data)
		})
		audit.Log(sessionCtx, audit.ActionDisconnect, client.UserID, "websocket disconnected")
	}()
}

// backlogSince resolves the backlog cursor: an explicit ?since= (unix ms)
// wins, otherwise the user's last seen time before this connection.
func (h *WSHandler) backlogSince(ctx context.Context, c *gin.Context, userID string) time.Time {
	if raw := c.Query("since"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	rec, err := h.presence.Get(ctx, userID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("presence lookup failed, sending recent backlog")
		return time.Time{}
	}
	return rec.LastSeenAt
}

// sendBacklog writes the missed messages in order and returns the id of the
// newest one written, empty when nothing was.
func (h *WSHandler) sendBacklog(ctx context.Context, client *hub.Client, since time.Time) string {
	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()

	msgs, err := h.service.Backlog(ctx, client.UserID, since, h.cfg.BacklogLimit)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("backlog fetch failed")
		client.SendFrame(domain.NewErrorFrame(err, "backlog"))
		return ""
	}

	var last string
	for _, m := range msgs {
		if err := client.SendFrame(domain.NewChatMessageFrame(m)); err != nil {
			return last
		}
		if domain.CompareMessageIDs(m.ID, last) > 0 {
			last = m.ID
		}
	}
	return last
}

func (h *WSHandler) handleFrame(ctx context.Context, client *hub.Client, data []byte) {
	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()

	frame, err := domain.DecodeClientFrame(data)
	if err != nil {
		client.SendFrame(domain.NewErrorFrame(err, ""))
		return
	}

	switch f := frame.(type) {
	case domain.ChatSendFrame:
		msg, err := h.service.Send(ctx, client.UserID, f.ConversationID, f.Body, f.FileURL)
		if err != nil {
			h.fail(ctx, client, domain.FrameChatSend, err, f.ClientMessageID)
			return
		}
		client.SendFrame(domain.NewChatSentFrame(msg, f.ClientMessageID))

	case domain.ChatAckFrame:
		if err := h.service.OnDeliveryAck(ctx, client.UserID, f.MessageID); err != nil {
			h.fail(ctx, client, domain.FrameChatAck, err, f.MessageID)
		}

	case domain.ChatReadFrame:
		if err := h.service.OnReadReceipt(ctx, client.UserID, f.MessageID); err != nil {
			h.fail(ctx, client, domain.FrameChatRead, err, f.MessageID)
		}

	case domain.HeartbeatFrame:
		if err := h.presence.Heartbeat(ctx, client.UserID); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("presence heartbeat failed")
		}
		client.SendFrame(domain.NewPongFrame())

	case domain.PresenceSubscribeFrame:
		watched, err := h.hub.Watch(ctx, client.ID, f.UserIDs)
		if err != nil {
			h.fail(ctx, client, domain.FramePresenceSubscribe, err, "")
			return
		}
		for _, userID := range watched {
			status, err := h.presence.Query(ctx, userID)
			if err != nil {
				h.fail(ctx, client, domain.FramePresenceSubscribe, err, userID)
				return
			}
			client.SendFrame(domain.NewPresenceUpdateFrame(userID, status))
		}

	case domain.PresenceStatusFrame:
		if err := h.presence.SetStatus(ctx, client.UserID, f.Status, h.cfg.InstanceID); err != nil {
			h.fail(ctx, client, domain.FramePresenceStatus, err, "")
		}
	}
}

// fail reports an operation error to the client. The connection stays open.
func (h *WSHandler) fail(ctx context.Context, client *hub.Client, frameType string, err error, ref string) {
	l := log.Ctx(ctx)
	evt := l.Warn()
	if errors.Is(err, domain.ErrAdmissionDenied) || errors.Is(err, domain.ErrInvalidMessage) {
		evt = l.Debug()
	}
	evt.Err(err).Str("frame", frameType).Msg("frame rejected")
	client.SendFrame(domain.NewErrorFrame(err, ref))
}
