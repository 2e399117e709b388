package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collabcanvas/boardsync/backend/internal/board"
	"github.com/collabcanvas/boardsync/backend/internal/export"
	"github.com/collabcanvas/boardsync/backend/internal/presence"
	"github.com/collabcanvas/boardsync/backend/internal/realtime"
)

const userIDContextKey = "boardsync_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingBoardService   = errors.New("board service dependency required")
	errMissingHub            = errors.New("realtime hub dependency required")
	errInvalidAuthorization  = errors.New("authorization missing or invalid")
)

// TokenValidator checks a session token and returns the subject user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenValidator TokenValidator
	BoardService   *board.Service
	Exporter       *export.Exporter
	Hub            *realtime.Hub
	Mirror         *presence.Mirror
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the whiteboard API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.BoardService == nil {
		return nil, errMissingBoardService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenValidator,
		boards:   deps.BoardService,
		exporter: deps.Exporter,
		hub:      deps.Hub,
		mirror:   deps.Mirror,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/whiteboards", handler.handleListWhiteboards)
	protected.POST("/whiteboards", handler.handleCreateWhiteboard)
	protected.GET("/whiteboards/:id", handler.handleGetWhiteboard)
	protected.POST("/whiteboards/:id/delete", handler.handleDeleteWhiteboard)
	protected.POST("/whiteboards/:id/restore", handler.handleRestoreWhiteboard)
	protected.POST("/whiteboards/:id/members", handler.handleAddMember)
	protected.GET("/whiteboards/:id/chat", handler.handleListChat)
	protected.POST("/whiteboards/:id/export/png", handler.handleExportPNG)
	protected.POST("/whiteboards/:id/export/asset", handler.handleExportAsset)
	protected.GET("/whiteboards/:id/ws", handler.handleSocket)

	return router, nil
}

type httpHandler struct {
	tokens   TokenValidator
	boards   *board.Service
	exporter *export.Exporter
	hub      *realtime.Hub
	mirror   *presence.Mirror
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// authorizeRequest accepts a Bearer header or, for websocket upgrades where
// browsers cannot set headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

type createWhiteboardPayload struct {
	Title   string   `json:"title"`
	Members []string `json:"members"`
}

type whiteboardSummaryPayload struct {
	BoardID          string `json:"board_id"`
	Title            string `json:"title"`
	ThumbnailURL     string `json:"thumbnail_url,omitempty"`
	Deleted          bool   `json:"deleted"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type whiteboardDetailPayload struct {
	whiteboardSummaryPayload
	Members  []string                `json:"members"`
	Online   []string                `json:"online"`
	Elements []*realtime.ElementView `json:"elements"`
}

func (h *httpHandler) handleCreateWhiteboard(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createWhiteboardPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	members := make([]board.UserID, 0, len(request.Members))
	for _, raw := range request.Members {
		member, err := board.NewUserID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member"})
			return
		}
		members = append(members, member)
	}

	created, err := h.boards.CreateWhiteboard(c.Request.Context(), board.UserID(userID), request.Title, members)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, summarizeWhiteboard(created))
}

func (h *httpHandler) handleListWhiteboards(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	whiteboards, err := h.boards.ListWhiteboards(c.Request.Context(), board.UserID(userID))
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]whiteboardSummaryPayload, 0, len(whiteboards))
	for _, whiteboard := range whiteboards {
		payload = append(payload, summarizeWhiteboard(whiteboard))
	}
	c.JSON(http.StatusOK, gin.H{"whiteboards": payload})
}

func (h *httpHandler) handleGetWhiteboard(c *gin.Context) {
	boardID, userID, ok := h.boardRequest(c)
	if !ok {
		return
	}

	whiteboard, members, err := h.boards.GetWhiteboard(c.Request.Context(), boardID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !containsUser(members, userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_member"})
		return
	}

	elements, err := h.boards.ListActiveElements(c.Request.Context(), boardID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	views := make([]*realtime.ElementView, 0, len(elements))
	for _, element := range elements {
		views = append(views, realtime.NewElementView(element))
	}

	memberIDs := make([]string, 0, len(members))
	for _, member := range members {
		memberIDs = append(memberIDs, member.String())
	}

	c.JSON(http.StatusOK, whiteboardDetailPayload{
		whiteboardSummaryPayload: summarizeWhiteboard(whiteboard),
		Members:                  memberIDs,
		Online:                   h.onlineUsers(c, boardID.String()),
		Elements:                 views,
	})
}

func (h *httpHandler) handleDeleteWhiteboard(c *gin.Context) {
	boardID, userID, ok := h.boardRequest(c)
	if !ok {
		return
	}
	if err := h.boards.SoftDeleteWhiteboard(c.Request.Context(), boardID, userID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRestoreWhiteboard(c *gin.Context) {
	boardID, userID, ok := h.boardRequest(c)
	if !ok {
		return
	}
	if err := h.boards.RestoreWhiteboard(c.Request.Context(), boardID, userID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type addMemberPayload struct {
	UserID string `json:"user_id"`
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	boardID, userID, ok := h.boardRequest(c)
	if !ok {
		return
	}

	var request addMemberPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	newMember, err := board.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member"})
		return
	}

	if err := h.boards.AddMember(c.Request.Context(), boardID, userID, newMember); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type chatMessagePayload struct {
	MessageID        string `json:"message_id"`
	AuthorID         string `json:"author_id"`
	Body             string `json:"body"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleListChat(c *gin.Context) {
	boardID, userID, ok := h.boardRequest(c)
	if !ok {
		return
	}
	if !h.requireMember(c, boardID, userID) {
		return
	}

	before, _ := strconv.ParseInt(c.Query("before"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	messages, err := h.boards.ListChat(c.Request.Context(), boardID, before, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]chatMessagePayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, chatMessagePayload{
			MessageID:        message.MessageID,
			AuthorID:         message.AuthorID,
			Body:             message.Body,
			CreatedAtSeconds: message.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

func (h *httpHandler) handleExportPNG(c *gin.Context) {
	boardID, userID, ok := h.boardRequest(c)
	if !ok {
		return
	}
	if !h.requireMember(c, boardID, userID) {
		return
	}
	if h.exporter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "export_unavailable"})
		return
	}

	encoded, err := h.exporter.ExportPNG(c.Request.Context(), boardID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", encoded)
}

type exportAssetPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Categories  []string `json:"categories"`
}

func (h *httpHandler) handleExportAsset(c *gin.Context) {
	boardID, userID, ok := h.boardRequest(c)
	if !ok {
		return
	}
	if !h.requireMember(c, boardID, userID) {
		return
	}
	if h.exporter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "export_unavailable"})
		return
	}

	var request exportAssetPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.exporter.ExportToAsset(c.Request.Context(), boardID, export.Metadata{
		Title:       request.Title,
		Description: request.Description,
		Categories:  request.Categories,
	})
	if err != nil {
		if errors.Is(err, export.ErrAssetServiceUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "export_unavailable"})
			return
		}
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"asset_id":      created.AssetID,
		"title":         created.Title,
		"download_url":  created.DownloadURL,
		"thumbnail_url": created.ThumbnailURL,
	})
}

// handleSocket upgrades the connection and serves it until disconnect. The
// membership check happens per subscribe frame, so one connection can hop
// between whiteboards it belongs to.
func (h *httpHandler) handleSocket(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := realtime.NewClient(h.hub, h.boards, h.mirror, conn, userID, h.logger)
	client.Serve()
}

func (h *httpHandler) boardRequest(c *gin.Context) (board.BoardID, board.UserID, bool) {
	boardID, err := board.NewBoardID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_whiteboard_id"})
		return "", "", false
	}
	return boardID, board.UserID(c.GetString(userIDContextKey)), true
}

func (h *httpHandler) requireMember(c *gin.Context, boardID board.BoardID, userID board.UserID) bool {
	member, err := h.boards.IsMember(c.Request.Context(), boardID, userID)
	if err != nil {
		h.respondError(c, err)
		return false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_member"})
		return false
	}
	return true
}

func (h *httpHandler) onlineUsers(c *gin.Context, boardID string) []string {
	if h.mirror != nil {
		online, err := h.mirror.OnlineUsers(c.Request.Context(), boardID)
		if err == nil {
			return online
		}
		h.logger.Warn("presence mirror read failed, using local registry",
			zap.String("board_id", boardID), zap.Error(err))
	}
	return h.hub.Registry().ListOnline(boardID)
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, board.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, board.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, board.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_member"})
	case errors.Is(err, board.ErrAssetMissing),
		errors.Is(err, board.ErrInvalidBoardID),
		errors.Is(err, board.ErrInvalidUserID),
		errors.Is(err, board.ErrInvalidElementUID),
		errors.Is(err, board.ErrInvalidElementType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func summarizeWhiteboard(whiteboard board.Whiteboard) whiteboardSummaryPayload {
	return whiteboardSummaryPayload{
		BoardID:          whiteboard.BoardID,
		Title:            whiteboard.Title,
		ThumbnailURL:     whiteboard.ThumbnailURL,
		Deleted:          whiteboard.Deleted(),
		CreatedAtSeconds: whiteboard.CreatedAtSeconds,
		UpdatedAtSeconds: whiteboard.UpdatedAtSeconds,
	}
}

func containsUser(members []board.UserID, userID board.UserID) bool {
	for _, member := range members {
		if member == userID {
			return true
		}
	}
	return false
}
