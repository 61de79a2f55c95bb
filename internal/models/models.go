// package models defines the data model for the musical bingo client
package models

import (
	"fmt"
	"slices"
	"strconv"

	"golang.org/x/oauth2"
)

// UserID is a server-assigned user primary key.
type UserID int64

const (
	// NoOwner marks an unclaimed ticket.
	NoOwner UserID = 0
	// UnknownOwner marks a ticket claimed by somebody whose identity isn't known yet (a claim conflict).
	UnknownOwner UserID = -1
)

// String renders the id, using "-" for [NoOwner] and "?" for [UnknownOwner].
func (id UserID) String() string {
	switch id {
	case NoOwner:
		return "-"
	case UnknownOwner:
		return "?"
	default:
		return strconv.FormatInt(int64(id), 10)
	}
}

// Credentials holds the access and refresh tokens. An empty string means absent.
type Credentials struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// HasAccess reports whether an access token is present.
func (c Credentials) HasAccess() bool { return c.AccessToken != "" }

// HasRefresh reports whether a refresh token is present.
func (c Credentials) HasRefresh() bool { return c.RefreshToken != "" }

// IsZero reports whether both tokens are absent.
func (c Credentials) IsZero() bool { return c.AccessToken == "" && c.RefreshToken == "" }

// Token converts the access token to an [oauth2.Token]. Returns nil when no access token is set.
func (c Credentials) Token() *oauth2.Token {
	if c.AccessToken == "" {
		return nil
	}
	return &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken, TokenType: "Bearer"}
}

// User is the authenticated account as returned by GET/POST /api/user.
type User struct {
	PK       UserID   `json:"pk"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

// IsAdmin reports membership of the "admin" group.
func (u User) IsAdmin() bool {
	return slices.Contains(u.Groups, "admin")
}

func (u User) String() string {
	return fmt.Sprintf("%s (%d)", u.Username, u.PK)
}

// LoginResponse is the body of a successful login or registration.
type LoginResponse struct {
	User
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Credentials extracts the token pair.
func (r LoginResponse) Credentials() Credentials {
	return Credentials{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

// RefreshResponse is the body of POST /api/refresh. RefreshToken is only present when the server rotates it.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}
