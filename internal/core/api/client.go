// Package api talks to the SimpliSafe REST cloud. Client owns the bearer
// credential, refreshes it at most once at a time, and retries a request
// once when the cloud answers 401.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/trymwestin/simplisafe/internal/config"
	"github.com/trymwestin/simplisafe/internal/logging"
)

// TokenHook is called after every successful refresh, before the callers
// waiting on that refresh resume.
type TokenHook func(ctx context.Context, cred Credential)

// Client is an authenticated SimpliSafe REST client.
type Client struct {
	cfg        config.APIConfig
	httpClient *http.Client
	clientID   string
	log        *slog.Logger
	now        func() time.Time

	cred    atomic.Pointer[Credential]
	userID  atomic.Int64
	isAdmin atomic.Bool
	dirty   atomic.Bool

	mu    sync.RWMutex
	email string
	hooks []TokenHook

	refreshGroup singleflight.Group
}

// NewClient creates an unauthenticated client. httpClient may be nil.
func NewClient(cfg config.APIConfig, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		clientID:   fmt.Sprintf("%s.%s", uuid.New(), cfg.ClientIDSuffix),
		log:        logging.OrDiscard(log),
		now:        time.Now,
	}
	c.cred.Store(&Credential{})
	return c
}

// LoginViaCredentials authenticates with an email and password.
func (c *Client) LoginViaCredentials(ctx context.Context, email, password string) error {
	c.mu.Lock()
	c.email = email
	c.mu.Unlock()

	return c.authenticate(ctx, PasswordGrant(email, password))
}

// LoginViaToken authenticates with a previously issued refresh token.
func (c *Client) LoginViaToken(ctx context.Context, refreshToken string) error {
	return c.authenticate(ctx, RefreshGrant(c.Email(), refreshToken))
}

// Refresh exchanges the stored refresh token for a new access token. Callers
// that arrive while a refresh is running share its result.
func (c *Client) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx, false)
	return err
}

// ForceExpire marks the current access token as expired so the next request
// refreshes it first.
func (c *Client) ForceExpire() {
	for {
		cur := c.cred.Load()
		if c.expire(cur) {
			return
		}
	}
}

// expire marks cur as expired if it is still the stored credential. It
// reports false when another writer replaced it first.
func (c *Client) expire(cur *Credential) bool {
	next := *cur
	next.Expiry = c.now()
	return c.cred.CompareAndSwap(cur, &next)
}

// OnTokenRotated registers a hook run after every successful refresh.
func (c *Client) OnTokenRotated(hook TokenHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// Credential returns the current credential snapshot.
func (c *Client) Credential() Credential {
	return *c.cred.Load()
}

// AccessToken returns the current access token.
func (c *Client) AccessToken() string {
	return c.cred.Load().AccessToken
}

// Expiry returns the instant the access token must be refreshed by.
func (c *Client) Expiry() time.Time {
	return c.cred.Load().Expiry
}

// RefreshToken returns the current refresh token and clears the dirty flag.
func (c *Client) RefreshToken() string {
	c.dirty.Store(false)
	return c.cred.Load().RefreshToken
}

// RefreshTokenDirty reports whether the refresh token changed since it was
// last read through RefreshToken.
func (c *Client) RefreshTokenDirty() bool {
	return c.dirty.Load()
}

// UserID returns the numeric user id, or zero before login completes.
func (c *Client) UserID() int64 {
	return c.userID.Load()
}

// IsAdmin reports whether the logged-in user administers the account.
func (c *Client) IsAdmin() bool {
	return c.isAdmin.Load()
}

// Email returns the login email, empty for token-only sessions.
func (c *Client) Email() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.email
}

// GetSubscriptionData fetches the active subscriptions of the logged-in user
// and decodes them into out.
func (c *Client) GetSubscriptionData(ctx context.Context, out any) error {
	return c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("users/%d/subscriptions", c.UserID()),
		Query:  url.Values{"activeOnly": {"true"}},
	}, out)
}

// authenticate runs a grant against the token endpoint and resolves the user id.
func (c *Client) authenticate(ctx context.Context, grant Grant) error {
	ctx = withAuthFlow(ctx)

	var tok tokenResponse
	err := c.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "api/token",
		Form:      grant.Values(),
		BasicAuth: &BasicAuth{Username: c.clientID},
	}, &tok)
	if err != nil {
		return fmt.Errorf("api: authenticate: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("api: authenticate: empty token response: %w", ErrInvalidCredentials)
	}

	c.storeCredential(Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - expirySafetyMargin),
	})

	var check authCheckResponse
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "api/authCheck"}, &check); err != nil {
		return fmt.Errorf("api: auth check: %w", err)
	}
	// A plan without authCheck access answers 403 with no body once the
	// user id is known; the id from the first login stays in place.
	switch uid := check.UserID.Int64(); {
	case uid != 0:
		c.userID.Store(uid)
		c.isAdmin.Store(check.IsAdmin)
	case c.UserID() == 0:
		return fmt.Errorf("api: auth check: no user id: %w", ErrInvalidCredentials)
	}

	c.log.Debug("authenticated", "grant", grant.Type, "user_id", c.UserID())
	return nil
}

// storeCredential swaps in next, keeping the previous refresh token when
// the grant did not rotate it.
func (c *Client) storeCredential(next Credential) {
	for {
		prev := c.cred.Load()
		cred := next
		if cred.RefreshToken == "" {
			cred.RefreshToken = prev.RefreshToken
		}
		if c.cred.CompareAndSwap(prev, &cred) {
			if cred.RefreshToken != prev.RefreshToken {
				c.dirty.Store(true)
			}
			return
		}
	}
}

// refresh is the single-slot refresh guard. The flight runs detached from
// the first caller's cancellation so one abandoned request cannot fail the
// others waiting on it. With onlyIfExpired set, a credential that another
// flight already renewed is returned as is.
func (c *Client) refresh(ctx context.Context, onlyIfExpired bool) (Credential, error) {
	v, err, shared := c.refreshGroup.Do("refresh", func() (any, error) {
		flightCtx := context.WithoutCancel(ctx)

		cur := c.cred.Load()
		if onlyIfExpired && !cur.Expired(c.now()) {
			return *cur, nil
		}
		if cur.RefreshToken == "" {
			return nil, fmt.Errorf("api: refresh: no refresh token: %w", ErrInvalidCredentials)
		}

		c.log.Info("refreshing access token")
		if err := c.authenticate(flightCtx, RefreshGrant(c.Email(), cur.RefreshToken)); err != nil {
			return nil, err
		}

		cred := *c.cred.Load()
		c.mu.RLock()
		hooks := append([]TokenHook(nil), c.hooks...)
		c.mu.RUnlock()
		for _, hook := range hooks {
			hook(flightCtx, cred)
		}
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	if shared {
		c.log.Debug("joined in-flight token refresh")
	}
	return v.(Credential), nil
}

type authFlowKey struct{}

// withAuthFlow marks requests issued by authenticate. They never trigger a
// refresh themselves and treat 401 as final.
func withAuthFlow(ctx context.Context) context.Context {
	return context.WithValue(ctx, authFlowKey{}, true)
}

func inAuthFlow(ctx context.Context) bool {
	v, _ := ctx.Value(authFlowKey{}).(bool)
	return v
}
