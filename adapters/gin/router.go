package authgin

import (
	"github.com/gin-gonic/gin"

	"github.com/open-rails/activitykit/adapters/gin/handlers"
	"github.com/open-rails/activitykit/adapters/ginutil"
	core "github.com/open-rails/activitykit/core"
	"github.com/open-rails/activitykit/session"
)

// Register mounts the auth routes on the given group:
//
//	GET  /login     authorize URL + single-use state
//	POST /exchange  authorization code -> session credential + profile
//	POST /refresh   new session credential (serialized per user)
//	POST /revoke    provider revoke + local clear
//	POST /logout    local clear only
//	GET  /me        profile + subscription info
func Register(r *gin.RouterGroup, svc *core.Service, issuer *session.Issuer, rl ginutil.RateLimiter) {
	r.GET("/login", handlers.HandleAuthLoginGET(svc, rl))
	r.POST("/exchange", handlers.HandleAuthExchangePOST(svc, rl))

	authed := r.Group("", AuthRequired(issuer))
	authed.POST("/refresh", handlers.HandleAuthRefreshPOST(svc, rl))
	authed.POST("/revoke", handlers.HandleAuthRevokePOST(svc, rl))
	authed.POST("/logout", handlers.HandleAuthLogoutPOST(svc, rl))
	authed.GET("/me", handlers.HandleUserMeGET(svc, rl))
}
