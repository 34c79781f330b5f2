package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/weiawesome/meow-realtime/internal/attachment"
	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/internal/ratelimit"
	"github.com/weiawesome/meow-realtime/internal/service"
	"github.com/weiawesome/meow-realtime/pkg/log"
	"github.com/weiawesome/meow-realtime/pkg/middleware"
	"github.com/weiawesome/meow-realtime/pkg/response"
)

// Handler serves the chat REST API.
type Handler struct {
	service        service.ChatService
	presence       Presence
	uploader       Uploader
	admitter       ratelimit.Admitter
	authMiddleware *middleware.AuthMiddleware
}

func NewHandler(svc service.ChatService, presence Presence, uploader Uploader, admitter ratelimit.Admitter, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        svc,
		presence:       presence,
		uploader:       uploader,
		admitter:       admitter,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.authMiddleware.RequireAuth())
	{
		conversations := api.Group("/conversations")
		{
			conversations.POST("",
				ratelimit.Admission(h.admitter, ratelimit.ActionConversationCreate, ratelimit.UserIdentity),
				h.CreateConversation)
			conversations.GET("", h.ListConversations)
			conversations.GET("/:id/messages", h.ListMessages)
			conversations.POST("/:id/archive", h.ArchiveConversation)
			conversations.POST("/:id/attachments",
				ratelimit.Admission(h.admitter, ratelimit.ActionAttachmentUpload, ratelimit.UserIdentity),
				h.UploadAttachment)
		}

		api.GET("/messages/backlog", h.Backlog)
		api.GET("/presence/:userId", h.GetPresence)
	}
}

type createConversationRequest struct {
	ParticipantIDs []string `json:"participantIds" binding:"required,min=1,dive,required"`
}

type conversationResponse struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participantIds"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"createdAt"`
}

type messageResponse struct {
	ID             string               `json:"messageId"`
	ConversationID string               `json:"conversationId"`
	SenderID       string               `json:"senderId"`
	Body           string               `json:"body"`
	FileURL        string               `json:"fileUrl,omitempty"`
	SentAt         int64                `json:"sentAt"`
	DeliveryState  domain.DeliveryState `json:"deliveryState"`
}

type historyResponse struct {
	LastReadAt *int64            `json:"lastReadAt"`
	Messages   []messageResponse `json:"messages"`
}

func toConversationResponse(c *domain.Conversation) conversationResponse {
	return conversationResponse{
		ID:             c.ID,
		ParticipantIDs: c.ParticipantIDs,
		LastMessageAt:  c.LastMessageAt,
		Archived:       c.Archived,
		CreatedAt:      c.CreatedAt,
	}
}

func toMessageResponses(msgs []*domain.Message) []messageResponse {
	return lo.Map(msgs, func(m *domain.Message, _ int) messageResponse {
		return messageResponse{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Body:           m.Body,
			FileURL:        m.FileURL,
			SentAt:         m.SentAt.UnixMilli(),
			DeliveryState:  m.DeliveryState,
		}
	})
}

// CreateConversation returns the conversation of the caller and the given
// participants, creating it when the set is new.
func (h *Handler) CreateConversation(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind create conversation request")
		response.BadRequest(c, err.Error())
		return
	}

	conv, created, err := h.service.CreateConversation(ctx, middleware.GetUserID(c), req.ParticipantIDs)
	if err != nil {
		writeError(c, err, "failed to create conversation")
		return
	}

	if created {
		response.Created(c, toConversationResponse(conv))
		return
	}
	response.Success(c, toConversationResponse(conv))
}

func (h *Handler) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()

	includeArchived, _ := strconv.ParseBool(c.Query("includeArchived"))

	convs, err := h.service.ListConversations(ctx, middleware.GetUserID(c), includeArchived)
	if err != nil {
		writeError(c, err, "failed to list conversations")
		return
	}

	response.Success(c, lo.Map(convs, func(conv *domain.Conversation, _ int) conversationResponse {
		return toConversationResponse(conv)
	}))
}

// ListMessages returns a page of history and moves the caller's read
// marker. lastReadAt is the marker before this call.
func (h *Handler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()

	before, ok := queryMillis(c, "before")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}

	lastRead, msgs, err := h.service.History(ctx, middleware.GetUserID(c), c.Param("id"), before, limit)
	if err != nil {
		writeError(c, err, "failed to list messages")
		return
	}

	resp := historyResponse{Messages: toMessageResponses(msgs)}
	if !lastRead.IsZero() {
		ms := lastRead.UnixMilli()
		resp.LastReadAt = &ms
	}
	response.Success(c, resp)
}

func (h *Handler) ArchiveConversation(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.service.Archive(ctx, middleware.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err, "failed to archive conversation")
		return
	}
	response.Success(c, gin.H{"archived": true})
}

// Backlog returns messages addressed to the caller since ?since= (unix ms).
func (h *Handler) Backlog(c *gin.Context) {
	ctx := c.Request.Context()

	since, ok := queryMillis(c, "since")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}

	msgs, err := h.service.Backlog(ctx, middleware.GetUserID(c), since, limit)
	if err != nil {
		writeError(c, err, "failed to fetch backlog")
		return
	}
	response.Success(c, toMessageResponses(msgs))
}

func (h *Handler) GetPresence(c *gin.Context) {
	ctx := c.Request.Context()

	rec, err := h.presence.Get(ctx, c.Param("userId"))
	if err != nil {
		writeError(c, err, "failed to get presence")
		return
	}
	response.Success(c, rec)
}

// UploadAttachment stores a multipart "file" for the conversation and
// returns its URL for use as a message fileUrl.
func (h *Handler) UploadAttachment(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploader.MaxSize()+1<<20)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, attachment.ErrTooLarge, "")
			return
		}
		response.BadRequest(c, "file is required")
		return
	}
	if header.Size > h.uploader.MaxSize() {
		writeError(c, attachment.ErrTooLarge, "")
		return
	}

	file, err := header.Open()
	if err != nil {
		l.Error().Err(err).Msg("failed to open uploaded file")
		response.InternalError(c, "failed to read file")
		return
	}
	defer file.Close()

	att, err := h.uploader.Upload(ctx, middleware.GetUserID(c), c.Param("id"), file, header.Size)
	if err != nil {
		writeError(c, err, "failed to upload attachment")
		return
	}
	response.Created(c, att)
}

func queryMillis(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, true
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		response.BadRequest(c, key+" must be a unix timestamp in milliseconds")
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		response.BadRequest(c, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// statusFor maps a wire error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case domain.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case domain.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case domain.ErrCodeNotParticipant:
		return http.StatusForbidden
	case domain.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case domain.ErrCodeBadRequest:
		return http.StatusBadRequest
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status of err's code. Internal errors are
// logged and replaced by fallback.
func writeError(c *gin.Context, err error, fallback string) {
	code := domain.ErrorCode(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg(fallback)
		msg = fallback
	}
	response.Error(c, status, code, msg)
}
