package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/open-rails/activitykit/adapters/ginutil"
	core "github.com/open-rails/activitykit/core"
)

type exchangeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

func HandleAuthExchangePOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLAuthExchange) {
			ginutil.TooMany(c)
			return
		}
		var req exchangeRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Code) == "" {
			ginutil.BadRequest(c, "missing_code")
			return
		}
		sess, err := svc.ExchangeCode(c.Request.Context(), req.Code, req.State)
		if err != nil {
			ginutil.ErrorJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, newTokenResponse(sess))
	}
}
