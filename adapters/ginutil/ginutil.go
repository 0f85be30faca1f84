// Package ginutil holds the small contract between gin handlers and the
// rest of the module: rate-limit buckets, response helpers, and the
// mapping from the error taxonomy to HTTP statuses.
package ginutil

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/activitykit/core"
	"github.com/open-rails/activitykit/discord"
	"github.com/open-rails/activitykit/session"
	"github.com/open-rails/activitykit/storage"
	"github.com/open-rails/activitykit/vault"
)

// RateLimiter is satisfied by ratelimit/memory and ratelimit/redis.
type RateLimiter interface {
	AllowNamed(bucket, key string) (bool, error)
}

// Named rate-limit buckets, one per endpoint.
const (
	RLAuthLogin    = "auth_login"
	RLAuthExchange = "auth_exchange"
	RLAuthRefresh  = "auth_refresh"
	RLAuthRevoke   = "auth_revoke"
	RLAuthLogout   = "auth_logout"
	RLUserMe       = "user_me"
)

// AllowNamed checks the bucket for the caller, keyed by authenticated user
// id when present and client IP otherwise. A limiter error fails open.
func AllowNamed(c *gin.Context, rl RateLimiter, bucket string) bool {
	if rl == nil {
		return true
	}
	key := c.ClientIP()
	if v, ok := c.Get("auth.user_id"); ok {
		if id, ok := v.(int64); ok {
			key = strconv.FormatInt(id, 10)
		}
	}
	ok, err := rl.AllowNamed(bucket, key)
	if err != nil {
		logrus.WithError(err).WithField("bucket", bucket).Warn("rate limiter error; allowing request")
		return true
	}
	return ok
}

func BadRequest(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": code})
}

func Unauthorized(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code})
}

func NotFound(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": code})
}

func ServerErr(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": code})
}

func TooMany(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
}

// ErrorJSON maps a service error onto the boundary contract.
func ErrorJSON(c *gin.Context, err error) {
	switch {
	case errors.Is(err, discord.ErrInvalidGrant):
		Unauthorized(c, "invalid_grant")
	case errors.Is(err, session.ErrUnauthorized):
		Unauthorized(c, "unauthorized")
	case errors.Is(err, core.ErrStateNotFound):
		Unauthorized(c, "invalid_state")
	case errors.Is(err, storage.ErrNotFound):
		NotFound(c, "not_found")
	case errors.Is(err, vault.ErrDecryption):
		// Storage-integrity fault: corruption or an unmanaged key change.
		logrus.WithError(err).Error("refresh token decryption failed")
		ServerErr(c, "token_storage_fault")
	default:
		var pe *discord.ProviderError
		if errors.As(err, &pe) {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider_error"})
			return
		}
		logrus.WithError(err).Error("unhandled service error")
		ServerErr(c, "internal_error")
	}
}
