package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/open-rails/activitykit/adapters/ginutil"
	core "github.com/open-rails/activitykit/core"
)

func HandleAuthRefreshPOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLAuthRefresh) {
			ginutil.TooMany(c)
			return
		}
		uid, _ := c.Get("auth.user_id")
		sess, err := svc.Refresh(c.Request.Context(), uid.(int64))
		if err != nil {
			ginutil.ErrorJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, newTokenResponse(sess))
	}
}
