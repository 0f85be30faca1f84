package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/open-rails/activitykit/adapters/ginutil"
	core "github.com/open-rails/activitykit/core"
)

func HandleAuthLogoutPOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLAuthLogout) {
			ginutil.TooMany(c)
			return
		}
		uid, _ := c.Get("auth.user_id")
		if err := svc.Logout(c.Request.Context(), uid.(int64)); err != nil {
			ginutil.ErrorJSON(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
