// Package httpapi wires the session manager, terminal gateway, and
// identity verification into the gin HTTP surface. Every handler's
// error path reads its HTTP status and response body off apperr.Error
// instead of constructing ad-hoc gin.H per call site.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ckadlab/orchestrator/internal/apperr"
	"github.com/ckadlab/orchestrator/internal/db"
	"github.com/ckadlab/orchestrator/internal/identity"
	"github.com/ckadlab/orchestrator/internal/ratelimit"
	"github.com/ckadlab/orchestrator/internal/session"
	"github.com/ckadlab/orchestrator/internal/terminal"
)

var validate = validator.New()

// SuccessResponse wraps a successful payload.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// PTYOpener opens a terminal into a running sandbox. It is the subset of
// sandboxdriver.Driver the terminal endpoint needs, kept as a function
// so tests can run the full authorization sequence without a Docker
// daemon.
type PTYOpener func(ctx context.Context, sandboxHandle string, cols, rows uint) (terminal.Pty, error)

// Handler bundles the collaborators the HTTP surface dispatches to.
type Handler struct {
	sessions     *session.Manager
	openPTY      PTYOpener
	gateway      *terminal.Gateway
	verifier     *identity.Verifier
	generalLimit *ratelimit.Limiter
	authLimit    *ratelimit.Limiter
	startLimit   *ratelimit.Limiter
	log          zerolog.Logger
}

func NewHandler(sessions *session.Manager, openPTY PTYOpener, gateway *terminal.Gateway, verifier *identity.Verifier, generalLimit, authLimit, startLimit *ratelimit.Limiter, log zerolog.Logger) *Handler {
	return &Handler{
		sessions:     sessions,
		openPTY:      openPTY,
		gateway:      gateway,
		verifier:     verifier,
		generalLimit: generalLimit,
		authLimit:    authLimit,
		startLimit:   startLimit,
		log:          log,
	}
}

// RegisterRoutes mounts every endpoint under router. The terminal
// endpoint authenticates after the websocket upgrade so failures can be
// reported with stream close codes rather than HTTP statuses.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.Use(h.generalRateLimit)

	router.GET("/platform/status", h.getPlatformStatus)
	router.GET("/sessions/:id/terminal", h.openTerminal)

	authed := router.Group("/sessions")
	authed.Use(h.authenticate)
	{
		authed.POST("", h.startSession)
		authed.GET("/active", h.getActiveSession)
		authed.GET("/:id", h.getSession)
		authed.POST("/:id/extend", h.extendSession)
		authed.DELETE("/:id", h.stopSession)
	}
}

func (h *Handler) generalRateLimit(c *gin.Context) {
	if !h.generalLimit.Allow(c.ClientIP()) {
		respondErr(c, apperr.New(apperr.RateLimited, "too many requests"))
		c.Abort()
		return
	}
	c.Next()
}

// authenticate validates the bearer credential, resolves the owner id,
// and applies the per-IP auth rate limit before letting a request
// reach a handler.
func (h *Handler) authenticate(c *gin.Context) {
	if !h.authLimit.Allow(c.ClientIP()) {
		respondErr(c, apperr.New(apperr.RateLimited, "too many authentication attempts"))
		c.Abort()
		return
	}

	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		respondErr(c, apperr.New(apperr.Unauthenticated, "missing bearer credential"))
		c.Abort()
		return
	}

	ownerID, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		respondErr(c, err)
		c.Abort()
		return
	}

	c.Set("ownerID", ownerID)
	c.Next()
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

type startRequest struct {
	Notes string `json:"notes" validate:"max=4000"`
}

func (h *Handler) startSession(c *gin.Context) {
	if !h.startLimit.Allow(c.GetString("ownerID")) {
		respondErr(c, apperr.New(apperr.RateLimited, "too many session start attempts"))
		return
	}

	var req startRequest
	_ = c.ShouldBindJSON(&req)
	if err := validate.Struct(req); err != nil {
		respondErr(c, apperr.New(apperr.Validation, "notes too long"))
		return
	}

	sess, err := h.sessions.Start(c.Request.Context(), c.GetString("ownerID"), req.Notes)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse{Data: sessionView(sess)})
}

func (h *Handler) getActiveSession(c *gin.Context) {
	sess, err := h.sessions.ActiveForOwner(c.Request.Context(), c.GetString("ownerID"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, SuccessResponse{Data: gin.H{"active": false, "message": "no active session"}})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Data: sessionView(sess)})
}

func (h *Handler) getSession(c *gin.Context) {
	sess, ok := h.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Data: sessionView(sess)})
}

func (h *Handler) extendSession(c *gin.Context) {
	if _, ok := h.ownedSession(c); !ok {
		return
	}
	extended, err := h.sessions.Extend(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Data: sessionView(extended)})
}

func (h *Handler) stopSession(c *gin.Context) {
	if _, ok := h.ownedSession(c); !ok {
		return
	}
	stopped, err := h.sessions.Stop(c.Request.Context(), c.Param("id"), db.StatusEnded)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Data: sessionView(stopped)})
}

// ownedSession resolves the :id session and rejects cross-owner access.
func (h *Handler) ownedSession(c *gin.Context) (*db.Session, bool) {
	sess, err := h.sessions.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return nil, false
	}
	if sess.OwnerID != c.GetString("ownerID") {
		respondErr(c, apperr.New(apperr.Forbidden, "session belongs to another owner"))
		return nil, false
	}
	return sess, true
}

func (h *Handler) getPlatformStatus(c *gin.Context) {
	status, err := h.sessions.PlatformStatus(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Data: status})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type terminalQuery struct {
	Cols uint `validate:"omitempty,min=20,max=500"`
	Rows uint `validate:"omitempty,min=5,max=300"`
}

// openTerminal upgrades the connection first, then runs the
// authorization sequence, closing with the matching stream close code on
// the first failed check: credential present (4001), valid and unexpired
// (4003/4004), session resolves (4005), owner matches (4006), status is
// Running (4007). Browsers cannot set headers on websocket dials, so the
// credential is also accepted as a ?token= query parameter.
func (h *Handler) openTerminal(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		terminal.CloseWithCode(conn, terminal.CloseMissingCredential, "missing credential")
		return
	}

	ownerID, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.CredentialExpired:
			terminal.CloseWithCode(conn, terminal.CloseCredentialExpired, "credential expired")
		default:
			terminal.CloseWithCode(conn, terminal.CloseCredentialInvalid, "credential invalid")
		}
		return
	}

	sess, err := h.sessions.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			terminal.CloseWithCode(conn, terminal.CloseSessionNotFound, "session not found")
		} else {
			terminal.CloseWithCode(conn, websocket.CloseInternalServerErr, "failed to resolve session")
		}
		return
	}
	if sess.OwnerID != ownerID {
		terminal.CloseWithCode(conn, terminal.CloseForbidden, "session belongs to another owner")
		return
	}
	if sess.Status != db.StatusRunning {
		terminal.CloseWithCode(conn, terminal.CloseSessionNotActive, "session is not running")
		return
	}

	geometry := terminalQuery{Cols: queryUint(c, "cols", 80), Rows: queryUint(c, "rows", 24)}
	if err := validate.Struct(geometry); err != nil {
		geometry = terminalQuery{Cols: 80, Rows: 24}
	}

	pty, err := h.openPTY(c.Request.Context(), sess.SandboxHandle, geometry.Cols, geometry.Rows)
	if err != nil {
		terminal.CloseWithCode(conn, websocket.CloseInternalServerErr, "failed to open terminal")
		return
	}

	h.gateway.Serve(c.Request.Context(), ownerID, sess.ID, conn, pty)
}

func queryUint(c *gin.Context, key string, def uint) uint {
	if v := c.Query(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint(n)
		}
	}
	return def
}

type sessionResponse struct {
	ID                string    `json:"session_id"`
	ClusterName       string    `json:"cluster_name,omitempty"`
	Status            string    `json:"status"`
	StartInstant      time.Time `json:"start_instant"`
	TTLMinutes        int       `json:"ttl_minutes"`
	RemainingMinutes  int       `json:"remaining_minutes"`
	Extended          bool      `json:"extended"`
	StreamEndpointRef string    `json:"stream_endpoint_ref"`
}

func sessionView(sess *db.Session) sessionResponse {
	return sessionResponse{
		ID:                sess.ID,
		ClusterName:       sess.ClusterName,
		Status:            string(sess.Status),
		StartInstant:      sess.StartInstant,
		TTLMinutes:        sess.TTLMinutes,
		RemainingMinutes:  sess.RemainingMinutes(db.Now()),
		Extended:          sess.Extended,
		StreamEndpointRef: "/api/v1/sessions/" + sess.ID + "/terminal",
	}
}

func respondErr(c *gin.Context, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.New(apperr.Internal, "internal error")
	}
	c.JSON(appErr.StatusCode(), appErr.Response())
}
