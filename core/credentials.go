package core

import (
	"fmt"
	"time"
)

// Credentials holds the token material for one provider connection.
//
// A Credentials value is owned by a single requester. The requester replaces
// it wholesale after a refresh and hands the new value to its delegate, which
// is responsible for persisting it.
type Credentials struct {
	AccessToken   string    `json:"access_token,omitempty"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	TokenType     string    `json:"token_type,omitempty"`
	ExpiresIn     int64     `json:"expires_in,omitempty"` // seconds, as reported by the token endpoint
	Expiry        time.Time `json:"expiry,omitzero"`
	RefreshExpiry time.Time `json:"refresh_expiry,omitzero"`
	ClientID      string    `json:"client_id,omitempty"`
	ClientSecret  string    `json:"client_secret,omitempty"`
}

// HasAccessToken reports whether an access token is present.
func (c Credentials) HasAccessToken() bool {
	return c.AccessToken != ""
}

// HasRefreshToken reports whether a refresh token is present.
func (c Credentials) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// Expired reports whether the access token is known to be expired at now.
// Credentials without an expiry never expire.
func (c Credentials) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// WithoutTokens returns a copy with the access and refresh tokens cleared.
// Client identity is kept so the connection can be re-authorized.
func (c Credentials) WithoutTokens() Credentials {
	c.AccessToken = ""
	c.RefreshToken = ""
	c.ExpiresIn = 0
	c.Expiry = time.Time{}
	c.RefreshExpiry = time.Time{}
	return c
}

// String masks secrets so credentials can be logged safely.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{access_token:%s refresh_token:%s token_type:%q expiry:%s client_id:%q client_secret:%s}",
		maskPresence(c.AccessToken),
		maskPresence(c.RefreshToken),
		c.TokenType,
		c.Expiry.Format(time.RFC3339),
		c.ClientID,
		maskPresence(c.ClientSecret),
	)
}

func maskPresence(s string) string {
	if s == "" {
		return "<empty>"
	}
	return Mask
}
