package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/releasebell/releasebell/internal/auth"
	"github.com/releasebell/releasebell/internal/engine"
	"github.com/releasebell/releasebell/internal/provider"
	"github.com/releasebell/releasebell/internal/store"
)

const userContextKey = "releasebell_user"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingStore         = errors.New("store dependency required")
	errMissingEngine        = errors.New("engine dependency required")
	errMissingProviders     = errors.New("provider registry dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Triggerer kicks off a sweep outside the periodic schedule, e.g. after a
// token update.
type Triggerer interface {
	Trigger(ctx context.Context)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	TokenManager *auth.TokenManager
	Store        *store.Store
	Engine       *engine.Engine
	Scheduler    Triggerer
	Providers    *provider.Registry
	Logger       *zap.Logger
}

// NewHTTPHandler builds the thin CRUD API over profile and projects.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Providers == nil {
		return nil, errMissingProviders
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		store:     deps.Store,
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		providers: deps.Providers,
		logger:    logger,
	}

	router.GET("/api/v1/status", handler.handleStatus)

	protected := router.Group("/api/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/profile", handler.handleProfileGet)
	protected.POST("/profile", handler.handleProfileUpdate)
	protected.GET("/projects", handler.handleProjectsList)
	protected.POST("/projects", handler.handleProjectAdd)
	protected.GET("/projects/:projectId", handler.handleProjectGet)
	protected.PUT("/projects/:projectId", handler.handleProjectUpdate)
	protected.DELETE("/projects/:projectId", handler.handleProjectDelete)

	return router, nil
}

type httpHandler struct {
	tokens    *auth.TokenManager
	store     *store.Store
	engine    *engine.Engine
	scheduler Triggerer
	providers *provider.Registry
	logger    *zap.Logger
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest validates the bearer token and resolves the user,
// creating the row on first authenticated request and keeping the stored
// email in sync with the token claim.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	user, err := h.store.GetUser(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		user, err = h.store.AddUser(ctx, store.User{ID: claims.Subject, Email: claims.Email})
	}
	if err != nil {
		h.logger.Error("failed to resolve user", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if claims.Email != "" && user.Email != claims.Email {
		if err := h.store.UpdateUser(ctx, user.ID, store.UserUpdate{Email: &claims.Email}); err != nil {
			h.logger.Error("failed to update user email", zap.String("user_id", user.ID), zap.Error(err))
		} else {
			user.Email = claims.Email
		}
	}

	c.Set(userContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) store.User {
	value, _ := c.Get(userContextKey)
	user, _ := value.(store.User)
	return user
}

type profilePayload struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	ProviderTokenSet bool   `json:"providerTokenSet"`
}

func (h *httpHandler) handleProfileGet(c *gin.Context) {
	user := currentUser(c)
	c.JSON(http.StatusOK, gin.H{"user": profilePayload{
		ID:               user.ID,
		Email:            user.Email,
		ProviderTokenSet: user.ProviderToken != "",
	}})
}

type profileUpdateRequest struct {
	ProviderToken string `json:"providerToken"`
}

func (h *httpHandler) handleProfileUpdate(c *gin.Context) {
	user := currentUser(c)

	var request profileUpdateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if request.ProviderToken != "" {
		client, ok := h.providers.Adapter(provider.AdapterGitHub)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if err := client.VerifyToken(c.Request.Context(), request.ProviderToken); err != nil {
			h.logger.Warn("provider token verification failed", zap.String("user_id", user.ID), zap.Error(err))
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "invalid provider token"})
			return
		}
	}

	if err := h.store.UpdateUser(c.Request.Context(), user.ID, store.UserUpdate{ProviderToken: &request.ProviderToken}); err != nil {
		h.logger.Error("failed to update provider token", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{})

	// kick off a round of syncing for the new token
	if request.ProviderToken != "" && h.scheduler != nil {
		h.scheduler.Trigger(context.WithoutCancel(c.Request.Context()))
	}
}

type projectPayload struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Name                 string `json:"name"`
	Origin               string `json:"origin"`
	Enabled              bool   `json:"enabled"`
	LastSuccessfulSyncAt int64  `json:"lastSuccessfulSyncAt"`
}

func projectToPayload(project store.Project) projectPayload {
	return projectPayload{
		ID:                   project.ID,
		Type:                 project.Type,
		Name:                 project.Name,
		Origin:               project.Origin,
		Enabled:              project.Enabled,
		LastSuccessfulSyncAt: project.LastSuccessfulSyncAt,
	}
}

func (h *httpHandler) handleProjectsList(c *gin.Context) {
	user := currentUser(c)

	projects, err := h.store.ListProjects(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to list projects", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	payload := make([]projectPayload, 0, len(projects))
	for _, project := range projects {
		payload = append(payload, projectToPayload(project))
	}
	c.JSON(http.StatusOK, gin.H{"projects": payload})
}

type projectAddRequest struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Origin string `json:"origin"`
}

func (h *httpHandler) handleProjectAdd(c *gin.Context) {
	user := currentUser(c)

	var request projectAddRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	switch request.Type {
	case store.ProjectTypeGithubManual, store.ProjectTypeGitlab, store.ProjectTypeWebsite:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid type"})
		return
	}
	if strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	project, err := h.store.AddProject(c.Request.Context(), store.Project{
		UserID: user.ID,
		Type:   request.Type,
		Name:   strings.TrimSpace(request.Name),
		Origin: strings.TrimRight(strings.TrimSpace(request.Origin), "/"),
	})
	if err != nil {
		h.logger.Error("failed to add project", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"project": projectToPayload(project)})

	// initial release sync backfills history without waiting for the sweep
	if err := h.engine.SyncProject(context.WithoutCancel(c.Request.Context()), user, project); err != nil {
		h.logger.Error("initial sync of added project failed",
			zap.String("user_id", user.ID),
			zap.String("name", project.Name),
			zap.Error(err))
	}
}

// projectForUser loads the project and enforces ownership.
func (h *httpHandler) projectForUser(c *gin.Context) (store.Project, bool) {
	user := currentUser(c)

	project, err := h.store.GetProject(c.Request.Context(), c.Param("projectId"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && project.UserID != user.ID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return store.Project{}, false
	}
	if err != nil {
		h.logger.Error("failed to get project", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return store.Project{}, false
	}
	return project, true
}

func (h *httpHandler) handleProjectGet(c *gin.Context) {
	project, ok := h.projectForUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": projectToPayload(project)})
}

type projectUpdateRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *httpHandler) handleProjectUpdate(c *gin.Context) {
	project, ok := h.projectForUser(c)
	if !ok {
		return
	}

	var request projectUpdateRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.store.UpdateProject(c.Request.Context(), project.ID, store.ProjectUpdate{Enabled: request.Enabled}); err != nil {
		h.logger.Error("failed to update project", zap.String("project_id", project.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{})
}

func (h *httpHandler) handleProjectDelete(c *gin.Context) {
	project, ok := h.projectForUser(c)
	if !ok {
		return
	}

	if err := h.store.RemoveProject(c.Request.Context(), project.ID); err != nil {
		h.logger.Error("failed to remove project", zap.String("project_id", project.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{})
}
