// Package authgin adapts the core service onto gin. One handler file per
// route; Register wires them all under a router group.
package authgin

import (
	"github.com/gin-gonic/gin"

	"github.com/open-rails/activitykit/adapters/ginutil"
	"github.com/open-rails/activitykit/session"
)

// AuthRequired validates the session credential from the Authorization
// header or the access_token query parameter (both accepted identically —
// streaming upgrades cannot set headers) and stores the caller identity on
// the context.
func AuthRequired(issuer *session.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := session.TokenFromRequest(c.Request)
		if token == "" {
			ginutil.Unauthorized(c, "missing_credentials")
			return
		}
		claims, err := issuer.Validate(token)
		if err != nil {
			ginutil.Unauthorized(c, "unauthorized")
			return
		}
		c.Set("auth.user_id", claims.UserID)
		c.Set("auth.username", claims.Username)
		c.Next()
	}
}

// UserID reads the authenticated user id set by AuthRequired.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get("auth.user_id")
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
