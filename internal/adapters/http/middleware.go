package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/WatchRoom/internal/apikeys"
	"github.com/dkeye/WatchRoom/internal/auth"
	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

const (
	ctxIdentity = "identity"
	ctxToken    = "token"
	ctxAPIKey   = "api_key"
)

func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Browsers cannot set headers on a websocket upgrade.
	return c.Query("token")
}

func abort(c *gin.Context, status int, err error) {
	body := gin.H{"error": domain.Code(err)}
	var rej *auth.RejectedError
	if errors.As(err, &rej) {
		body["reason"] = string(rej.Reason)
	}
	c.AbortWithStatusJSON(status, body)
}

// RequireAuth verifies the bearer credential from the Authorization header or
// the token query parameter. onReject, when set, observes every refusal.
func RequireAuth(v core.Verifier, onReject func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" {
			if onReject != nil {
				onReject()
			}
			abort(c, http.StatusUnauthorized, domain.ErrAuthRejected)
			return
		}
		id, err := v.Verify(token)
		if err != nil {
			if onReject != nil {
				onReject()
			}
			abort(c, http.StatusUnauthorized, err)
			return
		}
		c.Set(ctxIdentity, id)
		c.Set(ctxToken, token)
		c.Next()
	}
}

func identity(c *gin.Context) domain.Identity {
	id, _ := c.Get(ctxIdentity)
	v, _ := id.(domain.Identity)
	return v
}

// RequireAPIKey accepts "Authorization: ApiKey <key>" carrying scope.
func RequireAPIKey(keys *apikeys.Service, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "ApiKey ") {
			abort(c, http.StatusUnauthorized, domain.ErrAuthRejected)
			return
		}
		key, err := keys.Verify(c.Request.Context(), strings.TrimPrefix(h, "ApiKey "), scope)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrForbidden):
			abort(c, http.StatusForbidden, err)
			return
		case errors.Is(err, domain.ErrAuthRejected):
			abort(c, http.StatusUnauthorized, err)
			return
		default:
			abort(c, http.StatusServiceUnavailable, err)
			return
		}
		c.Set(ctxAPIKey, key)
		c.Next()
	}
}
