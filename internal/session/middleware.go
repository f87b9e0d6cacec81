package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"igniteme/internal/logger"
)

const (
	CookieName = "igniteme_sid"
	HeaderName = "X-Session-Id"

	contextKey   = "session_state"
	contextStore = "session_store"
	idBytes      = 32
)

// Middleware loads the session named by the cookie or header, or starts a
// new one, and commits changed keys once the handler returns.
func Middleware(store Store, ttl time.Duration) gin.HandlerFunc {
	log := logger.Component("session")
	maxAge := int(ttl / time.Second)
	return func(c *gin.Context) {
		id := requestID(c)
		if id == "" {
			var err error
			if id, err = newID(); err != nil {
				log.Error().Err(err).Msg("generate session id")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
				return
			}
		}
		st, err := store.Load(c.Request.Context(), id)
		if err != nil {
			log.Error().Err(err).Str("session", id).Msg("load session")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
			return
		}
		c.Set(contextKey, st)
		c.Set(contextStore, store)

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(CookieName, id, maxAge, "/", "", false, true)
		c.Header(HeaderName, id)

		c.Next()

		if err := store.Commit(c.Request.Context(), st); err != nil {
			logCommit(log, id, err)
		}
	}
}

// FromContext returns the state loaded by Middleware.
func FromContext(c *gin.Context) *State {
	if v, ok := c.Get(contextKey); ok {
		if st, ok := v.(*State); ok {
			return st
		}
	}
	return nil
}

// Flush commits pending changes now. Handlers call it before writing the
// response so a client never observes stale state on its next request.
func Flush(c *gin.Context) error {
	st := FromContext(c)
	v, ok := c.Get(contextStore)
	if st == nil || !ok {
		return errors.New("session middleware not installed")
	}
	if !st.Dirty() {
		return nil
	}
	return v.(Store).Commit(c.Request.Context(), st)
}

func logCommit(log zerolog.Logger, id string, err error) {
	log.Error().Err(err).Str("session", id).Msg("commit session")
}

func requestID(c *gin.Context) string {
	if id := c.GetHeader(HeaderName); validID(id) {
		return id
	}
	if id, err := c.Cookie(CookieName); err == nil && validID(id) {
		return id
	}
	return ""
}

func validID(id string) bool {
	if len(id) != idBytes*2 {
		return false
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

func newID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
