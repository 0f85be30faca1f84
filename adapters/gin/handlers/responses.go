package handlers

import (
	core "github.com/open-rails/activitykit/core"
	"github.com/open-rails/activitykit/storage"
)

// UserResponse is the profile shape returned by /exchange and /me. The
// encrypted token blob never appears here.
type UserResponse struct {
	UserID           int64   `json:"user_id"`
	Username         string  `json:"username"`
	GlobalName       *string `json:"global_name,omitempty"`
	AvatarURL        *string `json:"avatar_url,omitempty"`
	SubscriptionTier string  `json:"subscription_tier"`
	IsPremium        bool    `json:"is_premium"`
}

// TokenResponse carries the service session credential and, after exchange
// or refresh, the provider access token for the embedded SDK.
type TokenResponse struct {
	AccessToken        string        `json:"access_token"`
	DiscordAccessToken string        `json:"discord_access_token,omitempty"`
	User               *UserResponse `json:"user,omitempty"`
}

func newTokenResponse(sess *core.Session) TokenResponse {
	return TokenResponse{
		AccessToken:        sess.Token,
		DiscordAccessToken: sess.DiscordAccessToken,
		User:               userResponse(sess.User),
	}
}

func userResponse(u *storage.User) *UserResponse {
	if u == nil {
		return nil
	}
	return &UserResponse{
		UserID:           u.UserID,
		Username:         u.Username,
		GlobalName:       u.GlobalName,
		AvatarURL:        u.AvatarURL,
		SubscriptionTier: string(u.SubscriptionTier),
		IsPremium:        u.IsPremium(),
	}
}
