package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"igniteme/internal/auth"
	"igniteme/internal/models"
	"igniteme/internal/session"
)

type credentialsRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
}

func (h *Handler) signUp(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.CreateUser(c.Request.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.signedIn(c, user, http.StatusCreated)
}

// signIn authenticates an existing account. An unknown email with a display
// name signs the user up instead.
func (h *Handler) signIn(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.SignIn(c.Request.Context(), req.Email, req.Password)
	status := http.StatusOK
	if errors.Is(err, auth.ErrUserNotFound) && strings.TrimSpace(req.DisplayName) != "" {
		user, err = h.auth.CreateUser(c.Request.Context(), req.Email, req.Password, req.DisplayName)
		status = http.StatusCreated
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.signedIn(c, user, status)
}

// signedIn issues the token, binds the user to the session and replays the
// actions the user attempted while signed out.
func (h *Handler) signedIn(c *gin.Context, user *models.User, status int) {
	ctx := c.Request.Context()
	authToken, err := h.auth.IssueToken(ctx, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)

	st := session.FromContext(c)
	_ = st.Set(session.KeyUser, publicUser(user))
	resumed := h.coach.Resume(ctx, st)
	h.log.Info().Int64("user", user.ID).Int("resumed", len(resumed)).Msg("signed in")

	h.reply(c, status, gin.H{
		"user":       publicUser(user),
		"auth_token": authToken,
		"csrf_token": csrfToken,
		"resumed":    resumed,
		"session":    viewOf(st),
	})
}

func (h *Handler) logout(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	st := session.FromContext(c)
	_ = st.Reset(session.KeyUser, session.KeyPendingSummary, session.KeyPendingMessage)
	h.reply(c, http.StatusNoContent, nil)
}
