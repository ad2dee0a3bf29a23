package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"finchat/internal/auth"
	"finchat/internal/chat"
	"finchat/internal/engine"
	"finchat/internal/models"
)

const engineModelName = "SemanticFinanceEngine"

// ChatService is the slice of the chat layer the handlers need; tests swap
// in lighter implementations.
type ChatService interface {
	CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error)
	GetConversationWithMessages(ctx context.Context, userID, conversationID int64) (*models.Conversation, []*models.Message, error)
	DeleteConversation(ctx context.Context, userID, conversationID int64) error
	UpdateTitle(ctx context.Context, userID, conversationID int64, title string) error
	SearchConversations(ctx context.Context, userID int64, query string) ([]models.Conversation, error)
	Exchange(ctx context.Context, userID, conversationID int64, content string) (*chat.ExchangeResult, error)
	ResetContext(ctx context.Context, userID, conversationID int64) error
}

// Handler wires HTTP routes to the chat service and auth layer.
type Handler struct {
	chat   ChatService
	auth   *auth.Service
	status func() engine.Status
	log    *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(chatService *chat.Service, authService *auth.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chat:   chatService,
		auth:   authService,
		status: chatService.Status,
		log:    logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authMW := h.auth.Middleware()
	api.POST("/users/logout", authMW, h.logoutUser)

	chatRoutes := api.Group("/chat")
	chatRoutes.Use(authMW, h.auth.CSRFMiddleware())
	chatRoutes.GET("/conversations", h.listConversations)
	chatRoutes.POST("/conversations", h.createConversation)
	chatRoutes.GET("/conversations/search", h.searchConversations)
	chatRoutes.GET("/conversations/:id", h.getConversation)
	chatRoutes.DELETE("/conversations/:id", h.deleteConversation)
	chatRoutes.PUT("/conversations/:id/title", h.updateTitle)
	chatRoutes.POST("/conversations/:id/messages", h.sendMessage)
	chatRoutes.POST("/conversations/:id/context/reset", h.resetContext)
	chatRoutes.GET("/chatbot/status", h.chatbotStatus)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "authorization required"})
		return 0, false
	}
	return userID, true
}

func conversationIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	user, err := h.auth.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversations, err := h.chat.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.serverError(c, "list conversations", err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "conversations": conversations})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req createConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}
	}
	conversation, err := h.chat.CreateConversation(c.Request.Context(), userID, req.Title)
	if err != nil {
		h.serverError(c, "create conversation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "conversation": conversation})
}

func (h *Handler) getConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	conversation, messages, err := h.chat.GetConversationWithMessages(c.Request.Context(), userID, conversationID)
	if err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
			return
		}
		h.serverError(c, "get conversation", err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "conversation": conversation, "messages": messages})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	if err := h.chat.DeleteConversation(c.Request.Context(), userID, conversationID); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
			return
		}
		h.serverError(c, "delete conversation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "conversation deleted"})
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

func (h *Handler) updateTitle(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	var req updateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if err := h.chat.UpdateTitle(c.Request.Context(), userID, conversationID, req.Title); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) searchConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversations, err := h.chat.SearchConversations(c.Request.Context(), userID, c.Query("q"))
	if err != nil {
		h.serverError(c, "search conversations", err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "conversations": conversations})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	result, err := h.chat.Exchange(c.Request.Context(), userID, conversationID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyContent):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		case errors.Is(err, chat.ErrConversationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
		default:
			h.serverError(c, "message exchange", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"user_message":      result.UserMessage,
		"assistant_message": result.AssistantMessage,
		"data":              result.Data,
		"chart_type":        result.ChartType,
		"understanding":     result.Understanding,
	})
}

func (h *Handler) resetContext(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}
	if err := h.chat.ResetContext(c.Request.Context(), userID, conversationID); err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
			return
		}
		h.serverError(c, "reset context", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "context reset successfully"})
}

func (h *Handler) chatbotStatus(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	st := h.status()
	if !st.Initialized {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"status": gin.H{
				"model":       engineModelName,
				"initialized": false,
				"loading":     st.Loading,
				"note":        "engine initializes on first message",
			},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status": gin.H{
			"model":       engineModelName,
			"initialized": true,
			"loading":     false,
			"context":     st.Context,
			"memory_size": st.MemorySize,
			"cache_size":  st.CacheSize,
		},
	})
}

func (h *Handler) serverError(c *gin.Context, op string, err error) {
	requestID, _ := c.Get(requestIDContextKey)
	h.log.Error("request failed",
		zap.String("op", op),
		zap.Any("request_id", requestID),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal server error"})
}
