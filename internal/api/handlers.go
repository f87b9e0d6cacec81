package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"igniteme/internal/auth"
	"igniteme/internal/dialogue"
	"igniteme/internal/logger"
	"igniteme/internal/metrics"
	"igniteme/internal/models"
	"igniteme/internal/service/ai"
	"igniteme/internal/service/board"
	"igniteme/internal/service/coach"
	"igniteme/internal/session"
	"igniteme/internal/worker"
)

// Handler wires HTTP routes to the dialogue, the board and the account
// services.
type Handler struct {
	auth       *auth.Service
	board      *board.Service
	coach      *coach.Service
	sessions   session.Store
	sessionTTL time.Duration
	pageSize   int
	log        zerolog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(authService *auth.Service, boardService *board.Service, coachService *coach.Service, sessions session.Store, sessionTTL time.Duration, pageSize int) *Handler {
	if pageSize <= 0 {
		pageSize = board.DefaultPageSize
	}
	return &Handler{
		auth:       authService,
		board:      boardService,
		coach:      coachService,
		sessions:   sessions,
		sessionTTL: sessionTTL,
		pageSize:   pageSize,
		log:        logger.Component("api"),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api")
	api.Use(
		session.Middleware(h.sessions, h.sessionTTL),
		h.auth.Middleware(),
		h.syncUser(),
		h.auth.CSRFMiddleware(),
	)
	api.POST("/auth/signup", h.signUp)
	api.POST("/auth/signin", h.signIn)
	api.POST("/auth/logout", h.logout)

	api.GET("/session", h.getSession)

	api.POST("/dialogue/goal", h.commitGoal)
	api.POST("/dialogue/obstacles", h.submitObstacles)
	api.POST("/dialogue/answer", h.submitAnswer)
	api.POST("/dialogue/publish", h.publish)
	api.DELETE("/dialogue", h.closeDialogue)

	api.GET("/posts", h.listPosts)
	api.GET("/posts/:post_id", h.getPost)
	api.GET("/posts/:post_id/obstacles", h.listObstacles)
	api.GET("/posts/:post_id/obstacles/:obstacle_id/messages", h.listMessages)
	api.POST("/posts/:post_id/obstacles/:obstacle_id/messages", h.postMessage)
}

// syncUser mirrors the token's user into the session so a session signed
// in through one request stays signed in, and drops it once the token is
// gone.
func (h *Handler) syncUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		st := session.FromContext(c)
		if st == nil {
			c.Next()
			return
		}
		user, ok := auth.UserFromContext(c)
		switch {
		case ok && (st.User == nil || st.User.ID != user.ID):
			_ = st.Set(session.KeyUser, publicUser(user))
		case !ok && st.User != nil:
			_ = st.Reset(session.KeyUser)
		}
		c.Next()
	}
}

// stateView is what a client renders from.
type stateView struct {
	SessionID      string                  `json:"session_id"`
	Phase          dialogue.Phase          `json:"phase"`
	Goal           string                  `json:"goal,omitempty"`
	Obstacles      []string                `json:"obstacles,omitempty"`
	Reply          string                  `json:"reply,omitempty"`
	Summary        *dialogue.Summary       `json:"summary,omitempty"`
	PendingSummary *dialogue.Summary       `json:"pending_summary,omitempty"`
	PendingMessage *session.PendingMessage `json:"pending_message,omitempty"`
	User           *models.User            `json:"user,omitempty"`
	ViewPost       string                  `json:"view_post,omitempty"`
	ViewObstacle   string                  `json:"view_obstacle,omitempty"`
	Banner         string                  `json:"banner,omitempty"`
}

func viewOf(st *session.State) stateView {
	return stateView{
		SessionID:      st.ID,
		Phase:          st.Dialogue.Normalized().Phase,
		Goal:           st.Goal,
		Obstacles:      st.Dialogue.Obstacles,
		Reply:          st.Dialogue.Pending,
		Summary:        st.Dialogue.Summary,
		PendingSummary: st.PendingSummary,
		PendingMessage: st.PendingMessage,
		User:           st.User,
		ViewPost:       st.ViewPost,
		ViewObstacle:   st.ViewObstacle,
		Banner:         st.Banner,
	}
}

func (h *Handler) getSession(c *gin.Context) {
	st := session.FromContext(c)
	h.reply(c, http.StatusOK, gin.H{"session": viewOf(st)})
}

// reply commits the session before writing so the next request sees it.
func (h *Handler) reply(c *gin.Context, status int, body any) {
	if err := session.Flush(c); err != nil {
		h.log.Error().Err(err).Msg("flush session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return
	}
	if body == nil {
		c.Status(status)
		return
	}
	c.JSON(status, body)
}

// fail maps service errors onto HTTP statuses. The session view travels
// along so clients can show the banner and the current phase.
func (h *Handler) fail(c *gin.Context, err error) {
	status, code := classify(err)
	body := gin.H{"error": err.Error(), "code": code}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		body["error"] = "internal error"
	}
	if st := session.FromContext(c); st != nil {
		body["session"] = viewOf(st)
	}
	h.reply(c, status, body)
}

func classify(err error) (int, string) {
	var transition *dialogue.InvalidTransitionError
	switch {
	case dialogue.IsValidation(err), errors.Is(err, board.ErrInvalidInput):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &transition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, dialogue.ErrMalformedReply):
		return http.StatusBadGateway, "malformed_reply"
	case errors.Is(err, ai.ErrTransient):
		return http.StatusServiceUnavailable, "ai_unavailable"
	case errors.Is(err, worker.ErrTurnInFlight):
		return http.StatusConflict, "turn_in_flight"
	case errors.Is(err, worker.ErrDispatcherBusy), errors.Is(err, worker.ErrStopped):
		return http.StatusTooManyRequests, "busy"
	case errors.Is(err, board.ErrUnauthenticated):
		return http.StatusUnauthorized, "auth_required"
	case errors.Is(err, board.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, board.ErrPersistence):
		return http.StatusInternalServerError, "persistence"
	case errors.Is(err, coach.ErrNothingPending):
		return http.StatusConflict, "nothing_pending"
	case errors.Is(err, auth.ErrEmailAlreadyExists):
		return http.StatusConflict, "email_exists"
	case errors.Is(err, auth.ErrInvalidPassword):
		return http.StatusUnauthorized, "invalid_password"
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, "signup_required"
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrDisplayNameMissing):
		return http.StatusBadRequest, "validation"
	}
	return http.StatusInternalServerError, "internal"
}

func publicUser(u *models.User) *models.User {
	if u == nil {
		return nil
	}
	return &models.User{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email, CreatedAt: u.CreatedAt}
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
