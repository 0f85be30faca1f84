package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/open-rails/activitykit/adapters/ginutil"
	core "github.com/open-rails/activitykit/core"
)

func HandleAuthLoginGET(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLAuthLogin) {
			ginutil.TooMany(c)
			return
		}
		url, err := svc.LoginURL(c.Request.Context())
		if err != nil {
			ginutil.ErrorJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": url})
	}
}
