package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/auth"
	"github.com/MarcoPoloResearchLab/noteroom/internal/notes"
	"github.com/MarcoPoloResearchLab/noteroom/internal/relay"
	"github.com/MarcoPoloResearchLab/noteroom/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const profileContextKey = "noteroom_profile"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingNotesService     = errors.New("notes service dependency required")
	errMissingRelayTransport   = errors.New("relay transport dependency required")
	errWildcardOrigin          = errors.New(`allowed origins cannot include "*" for cookie sessions`)
)

// SessionValidator authenticates a request from its session cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims onto a canonical profile.
type UserResolver interface {
	ResolveProfile(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
}

// RelayTransport serves an upgraded relay connection for an authenticated principal.
type RelayTransport interface {
	Serve(w http.ResponseWriter, r *http.Request, principal relay.Principal)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserResolver
	NotesService     *notes.Service
	Relay            RelayTransport
	// Registry is optional and only feeds the health endpoint.
	Registry       *relay.Registry
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the notes API and the relay endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.Relay == nil {
		return nil, errMissingRelayTransport
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	crossOrigin, err := corsMiddleware(deps.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if crossOrigin != nil {
		router.Use(crossOrigin)
	}

	handler := &httpHandler{
		sessions:     deps.SessionValidator,
		users:        deps.Users,
		notesService: deps.NotesService,
		relay:        deps.Relay,
		registry:     deps.Registry,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.GET("/relay", handler.handleRelay)
	protected.GET("/notes", handler.handleListNotes)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.PUT("/notes/:id", handler.handleUpdateNote)
	protected.PATCH("/notes/:id", handler.handlePatchNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.POST("/notes/:id/share", handler.handleShareNote)

	return router, nil
}

// corsMiddleware admits credentialed requests from the listed origins. It
// returns nil when no origin is listed, leaving the API same-origin only.
func corsMiddleware(allowedOrigins []string) (gin.HandlerFunc, error) {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed == "*" {
			return nil, errWildcardOrigin
		}
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return nil, nil
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

type httpHandler struct {
	sessions     SessionValidator
	users        UserResolver
	notesService *notes.Service
	relay        RelayTransport
	registry     *relay.Registry
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.users.ResolveProfile(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to resolve user profile", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func currentProfile(c *gin.Context) (users.Profile, bool) {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}, false
	}
	profile, ok := value.(users.Profile)
	return profile, ok && profile.UserID != ""
}

type healthResponse struct {
	Status   string `json:"status"`
	Rooms    int    `json:"rooms"`
	Sessions int    `json:"sessions"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	response := healthResponse{Status: "ok"}
	if h.registry != nil {
		response.Rooms = h.registry.RoomCount()
		response.Sessions = h.registry.SessionCount()
	}
	c.JSON(http.StatusOK, response)
}

type meResponse struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name"`
}

func (h *httpHandler) handleMe(c *gin.Context) {
	profile, ok := currentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, meResponse{
		UserID:      profile.UserID,
		Email:       profile.Email,
		DisplayName: profile.Label(),
	})
}

func (h *httpHandler) handleRelay(c *gin.Context) {
	profile, ok := currentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.relay.Serve(c.Writer, c.Request, relay.Principal{
		UserID:      profile.UserID,
		DisplayName: profile.Label(),
		Identifiers: profile.Principals(),
	})
}

type notePayload struct {
	ID               string   `json:"id"`
	OwnerID          string   `json:"owner_id"`
	Title            string   `json:"title"`
	Content          string   `json:"content"`
	IsDeleted        bool     `json:"is_deleted"`
	SharedWith       []string `json:"shared_with,omitempty"`
	CreatedAtSeconds int64    `json:"created_at_s"`
	UpdatedAtSeconds int64    `json:"updated_at_s"`
}

func newNotePayload(note notes.Note, sharedWith []string) notePayload {
	return notePayload{
		ID:               note.NoteID,
		OwnerID:          note.OwnerID,
		Title:            note.Title,
		Content:          note.Content,
		IsDeleted:        note.IsDeleted,
		SharedWith:       sharedWith,
		CreatedAtSeconds: note.CreatedAtSeconds,
		UpdatedAtSeconds: note.UpdatedAtSeconds,
	}
}

type listNotesResponse struct {
	Notes []notePayload `json:"notes"`
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	profile, ok := currentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	includeDeleted := false
	if raw := c.Query("include_deleted"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_include_deleted"})
			return
		}
		includeDeleted = parsed
	}

	listed, err := h.notesService.ListNotes(c.Request.Context(), profile.Principals(), includeDeleted)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := listNotesResponse{Notes: make([]notePayload, 0, len(listed))}
	for _, note := range listed {
		response.Notes = append(response.Notes, newNotePayload(note, nil))
	}
	c.JSON(http.StatusOK, response)
}

type createNoteRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	profile, ok := currentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createNoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ownerID, err := notes.NewUserID(profile.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	note, err := h.notesService.CreateNote(c.Request.Context(), ownerID, request.Title, request.Content)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newNotePayload(note, nil))
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	noteID, ok := h.authorizeNote(c, notes.AccessShared)
	if !ok {
		return
	}
	view, err := h.notesService.GetNote(c.Request.Context(), noteID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newNotePayload(view.Note, view.SharedWith))
}

type updateNoteRequest struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var request updateNoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update := notes.NoteUpdate{Title: request.Title, Content: request.Content}
	if update.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	noteID, ok := h.authorizeNote(c, notes.AccessShared)
	if !ok {
		return
	}
	note, err := h.notesService.UpdateNote(c.Request.Context(), noteID, update)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newNotePayload(note, nil))
}

type patchNoteRequest struct {
	IsDeleted *bool `json:"is_deleted"`
}

func (h *httpHandler) handlePatchNote(c *gin.Context) {
	var request patchNoteRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.IsDeleted == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	noteID, ok := h.authorizeNote(c, notes.AccessOwner)
	if !ok {
		return
	}
	note, err := h.notesService.SetDeleted(c.Request.Context(), noteID, *request.IsDeleted)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newNotePayload(note, nil))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	noteID, ok := h.authorizeNote(c, notes.AccessOwner)
	if !ok {
		return
	}
	if err := h.notesService.DeleteNote(c.Request.Context(), noteID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type shareNoteRequest struct {
	UserID string `json:"user_id"`
}

type shareNoteResponse struct {
	SharedWith []string `json:"shared_with"`
}

func (h *httpHandler) handleShareNote(c *gin.Context) {
	var request shareNoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	grantee, err := notes.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	noteID, ok := h.authorizeNote(c, notes.AccessOwner)
	if !ok {
		return
	}
	sharedWith, err := h.notesService.ShareNote(c.Request.Context(), noteID, grantee)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, shareNoteResponse{SharedWith: sharedWith})
}

// authorizeNote resolves the :id parameter and checks the caller holds at
// least the required access level, writing the error response otherwise.
func (h *httpHandler) authorizeNote(c *gin.Context, required notes.AccessLevel) (notes.NoteID, bool) {
	profile, ok := currentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", false
	}
	level, err := h.notesService.AccessLevel(c.Request.Context(), noteID, profile.Principals())
	if err != nil {
		h.respondServiceError(c, err)
		return "", false
	}
	if level < required {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", false
	}
	return noteID, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notes.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
	case errors.Is(err, notes.ErrTitleRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "title_required"})
	case errors.Is(err, notes.ErrInvalidNoteID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
	case errors.Is(err, notes.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
	case errors.Is(err, notes.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		fields := []zap.Field{zap.String("path", c.FullPath()), zap.Error(err)}
		var serviceErr *notes.ServiceError
		if errors.As(err, &serviceErr) {
			fields = append(fields, zap.String("code", serviceErr.Code()))
		}
		h.logger.Error("notes request failed", fields...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
