package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
)

// UserPath is the session endpoint: GET fetches, POST logs in, PUT registers, DELETE logs out.
const UserPath = "/api/user"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// Login authenticates with username and password, stores the returned tokens and publishes [SessionLogin].
func (c *Client) Login(ctx context.Context, username, password string, opts ...RequestOption) (*models.User, error) {
	if username == "" || password == "" {
		return nil, shared.ErrMissingCredentials
	}
	body := loginRequest{Username: username, Password: password}
	return c.authenticate(ctx, http.MethodPost, body, opts)
}

// Register creates an account and logs into it.
func (c *Client) Register(ctx context.Context, username, email, password string, opts ...RequestOption) (*models.User, error) {
	if username == "" || password == "" || email == "" {
		return nil, shared.ErrMissingCredentials
	}
	body := loginRequest{Username: username, Password: password, Email: email}
	return c.authenticate(ctx, http.MethodPut, body, opts)
}

func (c *Client) authenticate(ctx context.Context, method string, body loginRequest, opts []RequestOption) (*models.User, error) {
	opts = append([]RequestOption{NoAuth(), WithBody(body)}, opts...)
	out := c.Do(ctx, NewRequest(method, UserPath, opts...))
	if IsStatus(out.Err, http.StatusUnauthorized) {
		return nil, fmt.Errorf("%w: %w", shared.ErrInvalidCredentials, out.Err)
	}

	var resp models.LoginResponse
	if err := out.Decode(&resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, shared.ErrAuthFailed
	}

	c.tokens.Set(resp.Credentials())
	c.setUser(&resp.User)
	c.logger.Info("logged in", "username", resp.Username)
	c.publishSession(SessionLogin, c.User())
	return c.User(), nil
}

// Logout ends the session on the server. Local tokens are cleared and [SessionLogout] is published
// even when the server call fails.
func (c *Client) Logout(ctx context.Context, opts ...RequestOption) error {
	out := c.Do(ctx, NewRequest(http.MethodDelete, UserPath, opts...))

	c.tokens.Clear()
	c.setUser(nil)
	c.publishSession(SessionLogout, nil)
	if !out.OK() {
		c.logger.Warn("server logout failed", "error", out.Err)
		return out.Err
	}
	return nil
}

// CurrentUser fetches the authenticated user and caches it.
func (c *Client) CurrentUser(ctx context.Context, opts ...RequestOption) (*models.User, error) {
	if c.tokens.Get().IsZero() {
		return nil, shared.ErrNotAuthenticated
	}

	out := c.Do(ctx, NewRequest(http.MethodGet, UserPath, opts...))
	var u models.User
	if err := out.Decode(&u); err != nil {
		return nil, err
	}
	c.setUser(&u)
	return c.User(), nil
}
