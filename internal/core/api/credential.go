package api

import (
	"net/url"
	"time"
)

// expirySafetyMargin makes tokens refresh slightly before the server expires them.
const expirySafetyMargin = 60 * time.Second

// Credential is an immutable snapshot of the bearer token state. The client
// swaps whole values so the token and its expiry are always read together.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // zero until the first login
}

// Expired reports whether the access token must be refreshed before use.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// Grant is a token endpoint grant.
type Grant struct {
	Type         string
	Username     string
	Password     string
	RefreshToken string
}

// PasswordGrant builds an email/password grant.
func PasswordGrant(email, password string) Grant {
	return Grant{Type: "password", Username: email, Password: password}
}

// RefreshGrant builds a refresh-token grant. email may be empty for sessions
// that were started from a token.
func RefreshGrant(email, refreshToken string) Grant {
	return Grant{Type: "refresh_token", Username: email, RefreshToken: refreshToken}
}

// Values encodes the grant as a form body.
func (g Grant) Values() url.Values {
	v := url.Values{}
	v.Set("grant_type", g.Type)
	if g.Username != "" {
		v.Set("username", g.Username)
	}
	if g.Password != "" {
		v.Set("password", g.Password)
	}
	if g.RefreshToken != "" {
		v.Set("refresh_token", g.RefreshToken)
	}
	return v
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type authCheckResponse struct {
	UserID  FlexInt `json:"userId"`
	IsAdmin bool    `json:"isAdmin"`
}
