package discord

import (
	"fmt"
	"strconv"
	"time"
)

// TokenPair is the result of a code exchange or refresh. The refresh token
// is single-use and rotates on every refresh; callers must persist the new
// one before discarding the old.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// User is the /users/@me response.
type User struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Avatar        *string `json:"avatar"`
	GlobalName    *string `json:"global_name"`
	Discriminator *string `json:"discriminator"`
}

// ParseID converts the snowflake string into the storage key.
func (u *User) ParseID() (int64, error) {
	id, err := strconv.ParseUint(u.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("discord: parse user id %q: %w", u.ID, err)
	}
	return int64(id), nil
}

// AvatarURL builds the CDN URL for the user's avatar, falling back to the
// discriminator-indexed default embed avatar.
func (u *User) AvatarURL() string {
	if u.Avatar != nil && *u.Avatar != "" {
		ext := "png"
		if len(*u.Avatar) > 2 && (*u.Avatar)[:2] == "a_" {
			ext = "gif"
		}
		return fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.%s?size=1024", u.ID, *u.Avatar, ext)
	}
	index := 0
	if u.Discriminator != nil {
		if n, err := strconv.Atoi(*u.Discriminator); err == nil {
			index = n % 5
		}
	}
	return fmt.Sprintf("https://cdn.discordapp.com/embed/avatars/%d.png", index)
}

// entitlementPayload is one element of the entitlements API response.
type entitlementPayload struct {
	ID       string     `json:"id"`
	SKUID    string     `json:"sku_id"`
	Type     int        `json:"type"`
	Deleted  bool       `json:"deleted"`
	Consumed bool       `json:"consumed"`
	StartsAt *time.Time `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at"`
}
