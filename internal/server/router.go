package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wikiware/wikiware/backend/internal/auth"
	"github.com/wikiware/wikiware/backend/internal/pages"
	"github.com/wikiware/wikiware/backend/internal/presence"
	"github.com/wikiware/wikiware/backend/internal/users"
)

const (
	userIDContextKey   = "wikiware_user_id"
	usernameContextKey = "wikiware_username"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTokenIssuer      = errors.New("token issuer dependency required")
	errMissingPagesService     = errors.New("pages service dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingPresenceService  = errors.New("presence service dependency required")
	errMissingPresenceHub      = errors.New("presence hub dependency required")
)

// Dependencies wires the HTTP surface to the engine underneath it.
type Dependencies struct {
	SessionValidator *auth.SessionValidator
	TokenIssuer      *auth.TokenIssuer
	Pages            *pages.Service
	Users            *users.Service
	Presence         *presence.Service
	Hub              *presence.Hub
	Logger           *zap.Logger
	AllowedOrigins   []string
}

// NewHTTPHandler builds the full route table.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Pages == nil {
		return nil, errMissingPagesService
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceService
	}
	if deps.Hub == nil {
		return nil, errMissingPresenceHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := deps.AllowedOrigins
	corsConfig := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = origins
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig))

	handler := &httpHandler{
		sessions: deps.SessionValidator,
		tokens:   deps.TokenIssuer,
		pages:    deps.Pages,
		users:    deps.Users,
		presence: deps.Presence,
		hub:      deps.Hub,
		logger:   logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/ws/edit-presence", handler.handleEditPresenceSocket)

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.GET("/pages", handler.handleListPages)
	api.POST("/pages", handler.handleCreatePage)
	api.GET("/pages/:title", handler.handleGetPage)
	api.PUT("/pages/:title", handler.handleUpdatePage)
	api.DELETE("/pages/:title", handler.handleDeletePage)
	api.GET("/pages/:title/history", handler.handleHistory)
	api.POST("/pages/:title/restore/:index", handler.handleRestore)
	api.GET("/pages/:title/compare", handler.handleCompare)
	api.GET("/pages/:title/branches", handler.handleListPageBranches)
	api.POST("/pages/:title/branches", handler.handleForkBranch)
	api.DELETE("/pages/:title/branches/:branch", handler.handleDeleteBranch)
	api.POST("/pages/:title/rename", handler.handleRename)
	api.GET("/pages/:title/editors", handler.handleRoster)
	api.POST("/pages/:title/edit-session", handler.handleCreateEditSession)
	api.DELETE("/pages/:title/edit-session/:session", handler.handleReleaseEditSession)
	api.GET("/branches", handler.handleListAllBranches)
	api.GET("/search", handler.handleSearch)

	return router, nil
}

type httpHandler struct {
	sessions *auth.SessionValidator
	tokens   *auth.TokenIssuer
	pages    *pages.Service
	users    *users.Service
	presence *presence.Service
	hub      *presence.Hub
	logger   *zap.Logger
}

type tokenRequestPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), request.UserID, request.Username)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.SetCookie(h.sessions.CookieName(), token, int(expiresIn), "/", "", false, true)
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(usernameContextKey, claims.Username)
	c.Next()
}

type pagePayload struct {
	Title          string   `json:"title"`
	Branch         string   `json:"branch"`
	Content        string   `json:"content"`
	Author         string   `json:"author"`
	EditSummary    string   `json:"edit_summary"`
	EditPermission string   `json:"edit_permission"`
	AllowedUsers   []string `json:"allowed_users,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

func pageToPayload(page *pages.Page) pagePayload {
	return pagePayload{
		Title:          page.Title,
		Branch:         page.Branch,
		Content:        page.Content,
		Author:         page.Author,
		EditSummary:    page.EditSummary,
		EditPermission: string(page.EditPermission),
		AllowedUsers:   page.AllowedUserList(),
		CreatedAt:      page.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      page.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *httpHandler) handleGetPage(c *gin.Context) {
	title, branch, ok := h.bindTitleAndBranch(c)
	if !ok {
		return
	}

	page, err := h.pages.Get(c.Request.Context(), title, branch)
	if errors.Is(err, pages.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":      "page_not_found",
			"title":      title.String(),
			"branch":     branch.String(),
			"can_create": true,
		})
		return
	}
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageToPayload(page))
}

type createPagePayload struct {
	Title   string `json:"title"`
	Branch  string `json:"branch"`
	Content string `json:"content"`
	Summary string `json:"summary"`
}

func (h *httpHandler) handleCreatePage(c *gin.Context) {
	var request createPagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	title, err := pages.NewTitle(request.Title)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_title"})
		return
	}
	branch, err := pages.NewBranch(request.Branch)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_branch"})
		return
	}

	err = h.pages.Create(c.Request.Context(), pages.CreateInput{
		Title:   title,
		Branch:  branch,
		Content: request.Content,
		Author:  c.GetString(usernameContextKey),
		Summary: request.Summary,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"title": title.String(), "branch": branch.String()})
}

type updatePagePayload struct {
	Branch         string   `json:"branch"`
	Content        string   `json:"content"`
	Summary        string   `json:"summary"`
	EditPermission string   `json:"edit_permission"`
	AllowedUsers   []string `json:"allowed_users"`
}

func (h *httpHandler) handleUpdatePage(c *gin.Context) {
	title, ok := h.bindTitle(c)
	if !ok {
		return
	}
	var request updatePagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	branch, err := pages.NewBranch(request.Branch)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_branch"})
		return
	}
	permission, err := pages.ParsePermission(request.EditPermission)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_permission"})
		return
	}

	username := c.GetString(usernameContextKey)
	if allowed, gateErr := h.clearsPermissionGate(c, title, branch, username); gateErr != nil {
		h.respondServiceError(c, gateErr)
		return
	} else if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "edit_not_permitted"})
		return
	}

	err = h.pages.Update(c.Request.Context(), pages.UpdateInput{
		Title:        title,
		Branch:       branch,
		Content:      request.Content,
		Author:       username,
		Summary:      request.Summary,
		Permission:   permission,
		AllowedUsers: request.AllowedUsers,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": title.String(), "branch": branch.String()})
}

// clearsPermissionGate checks the live page's edit permission against the
// caller. Pages that do not exist yet are open to everybody.
func (h *httpHandler) clearsPermissionGate(c *gin.Context, title pages.Title, branch pages.Branch, username string) (bool, error) {
	page, err := h.pages.Get(c.Request.Context(), title, branch)
	if errors.Is(err, pages.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	totalEdits, err := h.users.TotalEdits(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, users.ErrMissingUsername) {
			totalEdits = 0
		} else {
			return false, err
		}
	}
	return pages.CanEdit(page.EditPermission, page.AllowedUserList(), totalEdits, username), nil
}

func (h *httpHandler) handleDeletePage(c *gin.Context) {
	title, ok := h.bindTitle(c)
	if !ok {
		return
	}
	if err := h.pages.DeletePage(c.Request.Context(), title); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": title.String()})
}

type versionPayload struct {
	Index         int    `json:"index"`
	DisplayNumber int    `json:"display_number"`
	Author        string `json:"author"`
	EditSummary   string `json:"edit_summary"`
	UpdatedAt     string `json:"updated_at"`
	IsCurrent     bool   `json:"is_current"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	title, branch, ok := h.bindTitleAndBranch(c)
	if !ok {
		return
	}
	limit := parseLimit(c.Query("limit"))

	entries, err := h.pages.VersionHistory(c.Request.Context(), title, branch, limit)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	payload := make([]versionPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, versionPayload{
			Index:         entry.Index,
			DisplayNumber: entry.DisplayNumber,
			Author:        entry.Author,
			EditSummary:   entry.EditSummary,
			UpdatedAt:     entry.UpdatedAt.UTC().Format(time.RFC3339),
			IsCurrent:     entry.IsCurrent,
		})
	}
	c.JSON(http.StatusOK, gin.H{"versions": payload})
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	title, branch, ok := h.bindTitleAndBranch(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_index"})
		return
	}

	err = h.pages.RestoreVersion(c.Request.Context(), title, branch, index)
	if errors.Is(err, pages.ErrNoOp) {
		c.JSON(http.StatusOK, gin.H{"restored": false, "reason": "already_current"})
		return
	}
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": true, "index": index})
}

func (h *httpHandler) handleCompare(c *gin.Context) {
	title, branch, ok := h.bindTitleAndBranch(c)
	if !ok {
		return
	}
	fromIndex, errFrom := strconv.Atoi(c.DefaultQuery("from", "1"))
	toIndex, errTo := strconv.Atoi(c.DefaultQuery("to", "0"))
	if errFrom != nil || errTo != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_index"})
		return
	}

	diff, err := h.pages.CompareVersions(c.Request.Context(), title, branch, fromIndex, toIndex)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"from": diff.FromLabel,
		"to":   diff.ToLabel,
		"diff": diff.Text,
	})
}

func (h *httpHandler) handleListPageBranches(c *gin.Context) {
	title, ok := h.bindTitle(c)
	if !ok {
		return
	}
	branches, err := h.pages.ListBranches(c.Request.Context(), title)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

type forkPayload struct {
	Branch       string `json:"branch"`
	SourceBranch string `json:"source_branch"`
}

func (h *httpHandler) handleForkBranch(c *gin.Context) {
	title, ok := h.bindTitle(c)
	if !ok {
		return
	}
	var request forkPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	newBranch, err := pages.NewForkBranch(request.Branch)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_branch"})
		return
	}
	sourceBranch, err := pages.NewBranch(request.SourceBranch)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_branch"})
		return
	}

	if err := h.pages.Fork(c.Request.Context(), title, newBranch, sourceBranch); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"title":  title.String(),
		"branch": newBranch.String(),
		"source": sourceBranch.String(),
	})
}

func (h *httpHandler) handleDeleteBranch(c *gin.Context) {
	title, ok := h.bindTitle(c)
	if !ok {
		return
	}
	branch, err := pages.NewBranch(c.Param("branch"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_branch"})
		return
	}
	if branch.String() == pages.DefaultBranch {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "cannot_delete_main"})
		return
	}
	if err := h.pages.DeleteBranch(c.Request.Context(), title, branch); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": branch.String()})
}

type renamePayload struct {
	NewTitle string `json:"new_title"`
}

func (h *httpHandler) handleRename(c *gin.Context) {
	title, ok := h.bindTitle(c)
	if !ok {
		return
	}
	var request renamePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	newTitle, err := pages.NewTitle(request.NewTitle)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_title"})
		return
	}
	if err := h.pages.Rename(c.Request.Context(), title, newTitle); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": newTitle.String()})
}

func (h *httpHandler) handleListPages(c *gin.Context) {
	branch, err := pages.NewBranch(c.Query("branch"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_branch"})
		return
	}
	limit := parseLimit(c.Query("limit"))
	result, err := h.pages.ListPagesByBranch(c.Request.Context(), branch, limit)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	payload := make([]pagePayload, 0, len(result))
	for i := range result {
		payload = append(payload, pageToPayload(&result[i]))
	}
	c.JSON(http.StatusOK, gin.H{"pages": payload})
}

func (h *httpHandler) handleListAllBranches(c *gin.Context) {
	branches, err := h.pages.ListAllBranches(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_query"})
		return
	}
	branch, err := pages.NewBranch(c.Query("branch"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_branch"})
		return
	}
	limit := parseLimit(c.Query("limit"))
	result, err := h.pages.SearchPages(c.Request.Context(), query, branch, limit)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	payload := make([]pagePayload, 0, len(result))
	for i := range result {
		payload = append(payload, pageToPayload(&result[i]))
	}
	c.JSON(http.StatusOK, gin.H{"pages": payload})
}

// handleRoster reports the current editors for a page+branch. Lease store
// trouble degrades to an empty roster rather than failing the read.
func (h *httpHandler) handleRoster(c *gin.Context) {
	title, branch, ok := h.bindTitleAndBranch(c)
	if !ok {
		return
	}
	roster, err := h.presence.Roster(c.Request.Context(), title.String(), branch.String())
	if err != nil {
		h.logger.Warn("roster degraded to empty", zap.Error(err))
		roster = []presence.Editor{}
	}
	c.JSON(http.StatusOK, gin.H{"editors": roster})
}

type editSessionPayload struct {
	Branch   string `json:"branch"`
	Mode     string `json:"mode"`
	ClientID string `json:"client_id"`
}

func (h *httpHandler) handleCreateEditSession(c *gin.Context) {
	title, ok := h.bindTitle(c)
	if !ok {
		return
	}
	var request editSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	grant, err := h.presence.CreateSession(c.Request.Context(), presence.CreateSessionInput{
		Page:     title.String(),
		Branch:   request.Branch,
		Mode:     request.Mode,
		ClientID: request.ClientID,
		UserID:   c.GetString(userIDContextKey),
		Username: c.GetString(usernameContextKey),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	// Same normalization the service applied, so the broadcast hits the
	// room sockets actually join.
	branch := strings.TrimSpace(request.Branch)
	if branch == "" {
		branch = pages.DefaultBranch
	}
	h.hub.Broadcast(title.String(), branch, presence.Message{
		Type:    presence.MessagePresence,
		Editors: grant.Roster,
	})

	c.JSON(http.StatusCreated, gin.H{
		"session_id":       grant.SessionID,
		"lease_expires_at": grant.LeaseExpiresAt.UTC().Format(time.RFC3339),
		"editors":          grant.Roster,
	})
}

func (h *httpHandler) handleReleaseEditSession(c *gin.Context) {
	title, ok := h.bindTitle(c)
	if !ok {
		return
	}
	sessionID := c.Param("session")
	branch := c.DefaultQuery("branch", pages.DefaultBranch)

	released, err := h.presence.Release(c.Request.Context(), sessionID, c.GetString(userIDContextKey))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.hub.BroadcastRoster(c.Request.Context(), title.String(), branch)
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func (h *httpHandler) bindTitle(c *gin.Context) (pages.Title, bool) {
	title, err := pages.NewTitle(c.Param("title"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_title"})
		return "", false
	}
	return title, true
}

func (h *httpHandler) bindTitleAndBranch(c *gin.Context) (pages.Title, pages.Branch, bool) {
	title, ok := h.bindTitle(c)
	if !ok {
		return "", "", false
	}
	branch, err := pages.NewBranch(c.Query("branch"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_branch"})
		return "", "", false
	}
	return title, branch, true
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// respondServiceError maps engine sentinels onto HTTP statuses.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pages.ErrNotFound) || errors.Is(err, presence.ErrLeaseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, pages.ErrConflict) || errors.Is(err, presence.ErrDuplicateSession):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, pages.ErrInvalidTitle) ||
		errors.Is(err, pages.ErrInvalidBranch) ||
		errors.Is(err, pages.ErrInvalidVersion) ||
		errors.Is(err, pages.ErrInvalidPermission) ||
		errors.Is(err, presence.ErrInvalidSession):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_request"})
	case errors.Is(err, pages.ErrUnavailable) || errors.Is(err, presence.ErrUnavailable):
		h.logger.Error("storage unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
