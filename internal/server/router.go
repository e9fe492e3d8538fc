package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pagelift/coedit/backend/internal/auth"
	"github.com/pagelift/coedit/backend/internal/collab"
	"github.com/pagelift/coedit/backend/internal/documents"
	"github.com/pagelift/coedit/backend/internal/users"
	"go.uber.org/zap"
)

const collaboratorContextKey = "coedit_collaborator"

var (
	errMissingTokenService    = errors.New("token service dependency required")
	errMissingDocumentService = errors.New("document service dependency required")
	errMissingRealtimeHub     = errors.New("realtime hub dependency required")
)

// Dependencies collects everything the HTTP surface needs.
type Dependencies struct {
	Tokens    *auth.TokenService
	Documents *documents.Service
	Profiles  *users.Service
	Realtime  *RealtimeHub
	Logger    *zap.Logger
}

// NewHTTPHandler assembles the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenService
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtimeHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		documents: deps.Documents,
		profiles:  deps.Profiles,
		realtime:  deps.Realtime,
		logger:    logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents", handler.handleListDocuments)
	protected.POST("/documents", handler.handleSaveDocument)
	protected.GET("/documents/:id", handler.handleLoadDocument)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.GET("/documents/:id/operations", handler.handleListOperations)

	router.GET("/ws/documents/:id", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	tokens    *auth.TokenService
	documents *documents.Service
	profiles  *users.Service
	realtime  *RealtimeHub
	logger    *zap.Logger
}

type tokenRequestPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := collab.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	displayName := collab.DisplayName(strings.TrimSpace(request.DisplayName))
	if h.profiles != nil {
		resolved, err := h.profiles.Touch(userID, displayName)
		if err != nil {
			h.logger.Warn("profile bookkeeping failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		} else {
			displayName = resolved
		}
	}

	token, expiresIn, err := h.tokens.Issue(auth.Collaborator{UserID: userID, DisplayName: displayName})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type documentPayload struct {
	DocumentID  string `json:"document_id"`
	Title       string `json:"title"`
	ContentHTML string `json:"content_html"`
	UpdatedAtS  int64  `json:"updated_at_s"`
	Version     int64  `json:"version"`
}

func toDocumentPayload(document documents.Document) documentPayload {
	return documentPayload{
		DocumentID:  document.DocumentID,
		Title:       document.Title,
		ContentHTML: document.ContentHTML,
		UpdatedAtS:  document.UpdatedAtSeconds,
		Version:     document.Version,
	}
}

type saveRequestPayload struct {
	DocumentID  string `json:"document_id"`
	Title       string `json:"title"`
	ContentHTML string `json:"content_html"`
}

func (h *httpHandler) handleSaveDocument(c *gin.Context) {
	collaborator := h.collaboratorFrom(c)
	if collaborator == nil {
		return
	}

	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stored, err := h.documents.Save(c.Request.Context(), documents.SaveRequest{
		DocumentID:  strings.TrimSpace(request.DocumentID),
		OwnerID:     collaborator.UserID,
		Title:       request.Title,
		ContentHTML: request.ContentHTML,
	})
	if err != nil {
		h.logger.Error("document save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(stored))
}

func (h *httpHandler) handleLoadDocument(c *gin.Context) {
	if h.collaboratorFrom(c) == nil {
		return
	}
	documentID, err := collab.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	stored, err := h.documents.Load(c.Request.Context(), documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("document load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(stored))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	if h.collaboratorFrom(c) == nil {
		return
	}
	documentID, err := collab.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	err = h.documents.Delete(c.Request.Context(), documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("document delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleListOperations replays the logged operations with a sequence
// above the after query parameter, for clients catching up out of band.
func (h *httpHandler) handleListOperations(c *gin.Context) {
	if h.collaboratorFrom(c) == nil {
		return
	}
	documentID, err := collab.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	afterSequence, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after_sequence"})
		return
	}

	operations, err := h.documents.ListOperationsSince(c.Request.Context(), documentID, afterSequence)
	if err != nil {
		h.logger.Error("operation replay failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": operations})
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	collaborator := h.collaboratorFrom(c)
	if collaborator == nil {
		return
	}

	stored, err := h.documents.List(c.Request.Context(), collaborator.UserID)
	if err != nil {
		h.logger.Error("document list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]documentPayload, 0, len(stored))
	for _, document := range stored {
		payloads = append(payloads, toDocumentPayload(document))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payloads})
}

// handleRealtime authenticates the websocket request itself: browsers
// cannot set the Authorization header on WebSocket upgrades, so the
// session token also rides in the token query parameter.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	collaborator, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		collaborator, err = h.tokens.Validate(c.Query("token"))
	}
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	documentID, err := collab.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	h.realtime.HandleDocument(c.Writer, c.Request, collaborator, documentID)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	collaborator, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(collaboratorContextKey, collaborator)
	c.Next()
}

func (h *httpHandler) collaboratorFrom(c *gin.Context) *auth.Collaborator {
	value, ok := c.Get(collaboratorContextKey)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil
	}
	collaborator, ok := value.(auth.Collaborator)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil
	}
	return &collaborator
}
