package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mbingo/internal/events"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
	"golang.org/x/sync/singleflight"
)

// RefreshPath is the endpoint exchanging a refresh token for a new access token.
const RefreshPath = "/api/refresh"

// RefreshFailedMessage is the message of the outcome returned when the refresh round trip fails.
const RefreshFailedMessage = "Failed to refresh access token"

// SessionEventKind identifies a session lifecycle transition.
type SessionEventKind int

const (
	SessionLogin SessionEventKind = iota
	SessionLogout
	SessionRefreshed
	// SessionExpired is published when a refresh is rejected; listeners should treat it as a forced logout.
	SessionExpired
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionLogin:
		return "login"
	case SessionLogout:
		return "logout"
	case SessionRefreshed:
		return "refreshed"
	case SessionExpired:
		return "expired"
	default:
		return fmt.Sprintf("SessionEventKind(%d)", int(k))
	}
}

// SessionEvent is broadcast to session listeners. User is nil for logout and expiry.
type SessionEvent struct {
	Kind      SessionEventKind
	User      *models.User
	Timestamp time.Time
}

// Client issues requests with transparent token refresh.
type Client struct {
	exec      *Executor
	tokens    *TokenStore
	logger    *log.Logger
	now       func() time.Time
	refreshes singleflight.Group
	sessions  events.Registry[SessionEvent]

	mu   sync.RWMutex
	user *models.User
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	o := buildOptions(opts)
	return &Client{
		exec:   newExecutor(baseURL, o),
		tokens: o.tokens,
		logger: o.logger,
		now:    o.now,
	}
}

func (c *Client) Tokens() *TokenStore { return c.tokens }

func (c *Client) BaseURL() string { return c.exec.BaseURL() }

// OnNetworkError subscribes to 5xx responses and transport failures of every call.
func (c *Client) OnNetworkError(fn func(NetworkError)) func() {
	return c.exec.OnNetworkError(fn)
}

// OnSession subscribes to login, logout, refresh and expiry events.
func (c *Client) OnSession(fn func(SessionEvent)) func() {
	return c.sessions.Subscribe(fn)
}

func (c *Client) publishSession(kind SessionEventKind, user *models.User) {
	c.sessions.Publish(SessionEvent{Kind: kind, User: user, Timestamp: c.now()})
}

// Do sends req with the current credentials. A 401 on an authenticated request with a refresh
// token available triggers one refresh and at most one replay; the replay's result is final.
func (c *Client) Do(ctx context.Context, req *Request) Outcome {
	if req.Lifecycle.Before != nil {
		req.Lifecycle.Before(req)
	}
	out := c.send(ctx, req)
	notify(out)
	return out
}

func (c *Client) send(ctx context.Context, req *Request) Outcome {
	used := c.tokens.Get()
	out := c.exec.do(ctx, req, used)
	if out.Kind != StructuredError || out.Status != http.StatusUnauthorized || !req.AttachAuth {
		return out
	}

	current := c.tokens.Get()
	if !current.HasRefresh() {
		return out
	}

	if !current.HasAccess() || current.AccessToken == used.AccessToken {
		creds, failure := c.refresh(ctx, current.RefreshToken, used.AccessToken)
		if failure != nil {
			failure.Request = req
			failure.Started = out.Started
			return *failure
		}
		current = creds
	}

	c.logger.Debug("replaying request with refreshed token", "id", req.ID, "path", req.Path)
	replay := c.exec.do(ctx, req, current)
	replay.Started = out.Started
	return replay
}

type refreshResult struct {
	creds   models.Credentials
	failure *Outcome
}

// refresh joins or starts the in-flight refresh for refreshToken. staleAccess is the access
// token that was rejected; if the store already holds a different one no request is sent.
func (c *Client) refresh(ctx context.Context, refreshToken, staleAccess string) (models.Credentials, *Outcome) {
	v, _, _ := c.refreshes.Do(refreshToken, func() (any, error) {
		if cur := c.tokens.Get(); cur.HasAccess() && cur.AccessToken != staleAccess {
			return refreshResult{creds: cur}, nil
		}
		return c.exchange(context.WithoutCancel(ctx), refreshToken), nil
	})

	res := v.(refreshResult)
	if res.failure != nil {
		failure := *res.failure
		return models.Credentials{}, &failure
	}
	return res.creds, nil
}

// exchange performs the POST /api/refresh round trip and updates the token store.
func (c *Client) exchange(ctx context.Context, refreshToken string) refreshResult {
	req := NewRequest(http.MethodPost, RefreshPath,
		NoAuth(),
		WithHeader("Authorization", "Bearer "+refreshToken),
	)
	out := c.exec.do(ctx, req, models.Credentials{})

	var body models.RefreshResponse
	err := out.Decode(&body)
	if err == nil && body.AccessToken == "" {
		err = fmt.Errorf("%w: response has no access token", shared.ErrAPIRequest)
	}
	if err != nil {
		return refreshResult{failure: c.refreshFailure(out, err)}
	}

	creds := models.Credentials{AccessToken: body.AccessToken, RefreshToken: refreshToken}
	if body.RefreshToken != "" {
		creds.RefreshToken = body.RefreshToken
	}
	c.tokens.Set(creds)
	c.logger.Info("access token refreshed")
	c.publishSession(SessionRefreshed, c.User())
	return refreshResult{creds: creds}
}

// refreshFailure builds the terminal outcome of a failed refresh. A rejected refresh token clears
// the session; a transport failure keeps it so the call can be retried once the network is back.
func (c *Client) refreshFailure(out Outcome, cause error) *Outcome {
	status := out.Status
	if status == 0 || out.Kind == Success {
		status = http.StatusUnauthorized
	}

	msg := RefreshFailedMessage
	if out.Kind == TransportFailure {
		msg = fmt.Sprintf("%s: %v", RefreshFailedMessage, cause)
	}

	failure := Outcome{
		Kind:     StructuredError,
		Status:   status,
		Message:  msg,
		Err:      &StatusError{Status: status, Message: msg, Err: fmt.Errorf("%w: %w", shared.ErrRefreshFailed, cause)},
		Header:   out.Header,
		Started:  out.Started,
		Finished: c.now(),
	}

	if out.Kind != TransportFailure {
		c.logger.Warn("refresh token rejected, clearing session", "status", out.Status)
		c.tokens.Clear()
		c.setUser(nil)
		c.publishSession(SessionExpired, nil)
	} else {
		c.logger.Warn("refresh request failed", "error", cause)
	}
	return &failure
}

// RefreshSession forces a token refresh outside of a failing call.
func (c *Client) RefreshSession(ctx context.Context) error {
	creds := c.tokens.Get()
	if !creds.HasRefresh() {
		return shared.ErrNoRefreshToken
	}
	if _, failure := c.refresh(ctx, creds.RefreshToken, creds.AccessToken); failure != nil {
		return failure.Err
	}
	return nil
}

// User returns a copy of the cached current user, or nil when logged out.
func (c *Client) User() *models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

func (c *Client) setUser(u *models.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u == nil {
		c.user = nil
		return
	}
	cp := *u
	c.user = &cp
}
