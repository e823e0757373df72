package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lobby/internal/auth"
	"github.com/MarcoPoloResearchLab/lobby/internal/presence"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const identityContextKey = "lobby_identity"

var (
	errMissingPresenceService = errors.New("presence service dependency required")
	errMissingIdentityManager = errors.New("identity manager dependency required")
	errMissingRealtime        = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization   = errors.New("identity token missing or invalid")
)

// IdentityManager mints and validates client identity tokens.
type IdentityManager interface {
	IssueIdentity(ctx context.Context) (auth.IssuedIdentity, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	PresenceService *presence.Service
	Identities      IdentityManager
	Realtime        *RealtimeDispatcher
	Clock           func() time.Time
	CookieName      string
	AllowedOrigins  []string
	MetricsRegistry *prometheus.Registry
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.PresenceService == nil {
		return nil, errMissingPresenceService
	}
	if deps.Identities == nil {
		return nil, errMissingIdentityManager
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cookieName := strings.TrimSpace(deps.CookieName)
	if cookieName == "" {
		cookieName = auth.DefaultCookieName
	}
	allowedOrigins := deps.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	registry := deps.MetricsRegistry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics, err := newServerMetrics(registry, deps.Realtime)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !slices.Contains(allowedOrigins, "*"),
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		presence:   deps.PresenceService,
		identities: deps.Identities,
		realtime:   deps.Realtime,
		clock:      presence.NewMonotonicClock(deps.Clock).Now,
		cookieName: cookieName,
		sessions:   newSessionRegistry(),
		callLocks:  newIdentityLocks(),
		metrics:    metrics,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	v1.POST("/identity", handler.handleIssueIdentity)
	v1.GET("/users", handler.handleListUsers)
	v1.GET("/cursors", handler.handleListCursors)
	v1.GET("/messages", handler.handleListMessages)
	v1.GET("/subscribe", handler.handleSubscribe)

	protected := v1.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/name", handler.handleSetName)
	protected.POST("/messages", handler.handleSendMessage)
	protected.POST("/cursor", handler.handleUpdateCursor)

	return router, nil
}

type httpHandler struct {
	presence   *presence.Service
	identities IdentityManager
	realtime   *RealtimeDispatcher
	clock      func() time.Time
	cookieName string
	sessions   *sessionRegistry
	callLocks  *identityLocks
	metrics    *serverMetrics
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type identityResponsePayload struct {
	Identity  string `json:"identity"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	TokenType string `json:"token_type"`
}

func (h *httpHandler) handleIssueIdentity(c *gin.Context) {
	issued, err := h.identities.IssueIdentity(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to issue identity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_issue_failed"})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, issued.Token, int(issued.ExpiresIn), "/", "", false, true)
	c.JSON(http.StatusOK, identityResponsePayload{
		Identity:  issued.Identity,
		Token:     issued.Token,
		ExpiresIn: issued.ExpiresIn,
		TokenType: "Bearer",
	})
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	users, err := h.presence.Users(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": nonNil(users)})
}

func (h *httpHandler) handleListCursors(c *gin.Context) {
	cursors, err := h.presence.Cursors(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursors": nonNil(cursors)})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	messages, err := h.presence.Messages(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": nonNil(messages)})
}

type setNameRequestPayload struct {
	Name string `json:"name"`
}

type sendMessageRequestPayload struct {
	Text string `json:"text"`
}

type updateCursorRequestPayload struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type callResponsePayload struct {
	Changes []changeFrame `json:"changes"`
}

func (h *httpHandler) handleSetName(c *gin.Context) {
	var request setNameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.respondToCall(c, "set_name", func(ctx context.Context, caller presence.Caller) ([]presence.Change, error) {
		return h.presence.SetName(ctx, caller, request.Name)
	})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.respondToCall(c, "send_message", func(ctx context.Context, caller presence.Caller) ([]presence.Change, error) {
		return h.presence.SendMessage(ctx, caller, request.Text)
	})
}

func (h *httpHandler) handleUpdateCursor(c *gin.Context) {
	var request updateCursorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.X == nil || request.Y == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.respondToCall(c, "update_cursor", func(ctx context.Context, caller presence.Caller) ([]presence.Change, error) {
		return h.presence.UpdateCursor(ctx, caller, *request.X, *request.Y)
	})
}

type presenceCall func(ctx context.Context, caller presence.Caller) ([]presence.Change, error)

// respondToCall runs one client call for the authorized identity, publishes
// the committed changes and echoes them back.
func (h *httpHandler) respondToCall(c *gin.Context, operation string, call presenceCall) {
	identity := presence.Identity(c.GetString(identityContextKey))
	caller, changes, err := h.applyCall(c.Request.Context(), operation, identity, call)
	if err != nil {
		code, message := describeError(err)
		if presence.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": code, "message": message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
		return
	}
	c.JSON(http.StatusOK, callResponsePayload{Changes: newChangeFrames(changes, caller.Timestamp)})
}

// applyCall stamps, commits and publishes one call while holding the caller's
// identity lock, so subscribers see each identity's rows in commit order.
func (h *httpHandler) applyCall(ctx context.Context, operation string, identity presence.Identity, call presenceCall) (presence.Caller, []presence.Change, error) {
	release := h.callLocks.lock(identity)
	defer release()

	caller := presence.Caller{Identity: identity, Timestamp: h.clock()}
	changes, err := call(ctx, caller)
	h.metrics.observeCall(operation, err)
	if err != nil {
		if presence.IsValidation(err) {
			h.logger.Debug("call rejected",
				zap.String("operation", operation),
				zap.String("identity", caller.Identity.String()),
				zap.Error(err))
		}
		return caller, nil, err
	}
	h.realtime.Publish(changes, caller.Timestamp)
	return caller, changes, nil
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := auth.ExtractToken(c.Request, h.cookieName)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.resolveIdentity(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity.String())
	c.Next()
}

func (h *httpHandler) resolveIdentity(token string) (presence.Identity, error) {
	subject, err := h.identities.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("identity token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("identity token validation failed", zap.Error(err))
		}
		return "", err
	}
	return presence.NewIdentity(subject)
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	if slices.Contains(allowedOrigins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.Contains(allowedOrigins, origin)
	}
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
