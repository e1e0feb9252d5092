package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/simplisafe/internal/config"
)

const (
	testEmail        = "user@email.com"
	testPassword     = "12345"
	testAccessToken  = "abcde12345"
	testRefreshToken = "qrstu98765"
	testUserID       = 12345
)

// fakeCloud is an httptest stand-in for the token, auth check, and one
// arbitrary resource endpoint.
type fakeCloud struct {
	srv *httptest.Server

	accessTokens []string
	refreshToken string

	tokenHits     atomic.Int32
	authCheckHits atomic.Int32
	resourceHits  atomic.Int32

	mu          sync.Mutex
	grants      []string
	basicUsers  []string
	bearers     []string
	hosts       []string
	userAgents  []string
	authCheckFn http.HandlerFunc
}

func newFakeCloud(t *testing.T, resource http.HandlerFunc) *fakeCloud {
	fc := &fakeCloud{
		accessTokens: []string{testAccessToken, testRefreshToken},
		refreshToken: testRefreshToken,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/api/token", func(w http.ResponseWriter, r *http.Request) {
		n := int(fc.tokenHits.Add(1))
		_ = r.ParseForm()

		user, pass, ok := r.BasicAuth()
		fc.mu.Lock()
		fc.grants = append(fc.grants, r.PostForm.Get("grant_type"))
		fc.basicUsers = append(fc.basicUsers, user)
		fc.hosts = append(fc.hosts, r.Host)
		fc.userAgents = append(fc.userAgents, r.UserAgent())
		fc.mu.Unlock()

		if !ok || pass != "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") == "password" && r.PostForm.Get("password") != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid resource owner credentials"}`))
			return
		}

		fc.mu.Lock()
		tok := fc.accessTokens[min(n, len(fc.accessTokens))-1]
		refresh := fc.refreshToken
		fc.mu.Unlock()
		writeTestJSON(w, map[string]any{
			"access_token":  tok,
			"refresh_token": refresh,
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	})
	mux.HandleFunc("GET /v1/api/authCheck", func(w http.ResponseWriter, r *http.Request) {
		fc.authCheckHits.Add(1)
		fc.mu.Lock()
		fn := fc.authCheckFn
		fc.mu.Unlock()
		if fn != nil {
			fn(w, r)
			return
		}
		writeTestJSON(w, map[string]any{"userId": testUserID, "isAdmin": false})
	})
	mux.HandleFunc("/v1/", func(w http.ResponseWriter, r *http.Request) {
		fc.resourceHits.Add(1)
		fc.mu.Lock()
		fc.bearers = append(fc.bearers, r.Header.Get("Authorization"))
		fc.mu.Unlock()
		if resource == nil {
			writeTestJSON(w, map[string]any{"ok": true})
			return
		}
		resource(w, r)
	})

	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCloud) config() config.APIConfig {
	cfg := config.Defaults().API
	cfg.BaseURL = fc.srv.URL + "/v1"
	return cfg
}

func (fc *fakeCloud) seenBearers() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.bearers...)
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newLoggedIn(t *testing.T, fc *fakeCloud, log *slog.Logger) *Client {
	t.Helper()
	c := NewClient(fc.config(), fc.srv.Client(), log)
	require.NoError(t, c.LoginViaCredentials(context.Background(), testEmail, testPassword))
	return c
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestLoginViaCredentials(t *testing.T) {
	fc := newFakeCloud(t, nil)
	before := time.Now()

	c := newLoggedIn(t, fc, nil)

	assert.Equal(t, testAccessToken, c.AccessToken())
	assert.Equal(t, int64(testUserID), c.UserID())
	assert.True(t, c.RefreshTokenDirty())
	assert.Equal(t, testRefreshToken, c.RefreshToken())
	assert.False(t, c.RefreshTokenDirty(), "reading the token clears the dirty flag")

	exp := c.Credential().Expiry
	assert.WithinDuration(t, before.Add(3600*time.Second-expirySafetyMargin), exp, 5*time.Second)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.basicUsers, 1)
	assert.True(t, strings.HasSuffix(fc.basicUsers[0], ".2074.0.0.com.simplisafe.mobile"))
	assert.Equal(t, []string{"password"}, fc.grants)
	assert.Equal(t, "api.simplisafe.com", fc.hosts[0])
	assert.Equal(t, "SimpliSafe/2105 CFNetwork/902.2 Darwin/17.7.0", fc.userAgents[0])
}

func TestLoginViaTokenUsesRefreshGrant(t *testing.T) {
	fc := newFakeCloud(t, nil)
	c := NewClient(fc.config(), fc.srv.Client(), nil)

	require.NoError(t, c.LoginViaToken(context.Background(), testRefreshToken))

	assert.Equal(t, int64(testUserID), c.UserID())
	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, []string{"refresh_token"}, fc.grants)
}

func TestLoginRejectedPassword(t *testing.T) {
	fc := newFakeCloud(t, nil)
	c := NewClient(fc.config(), fc.srv.Client(), nil)

	err := c.LoginViaCredentials(context.Background(), testEmail, "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, c.UserID())
}

func TestForbiddenBeforeUserIDIsInvalidCredentials(t *testing.T) {
	fc := newFakeCloud(t, nil)
	fc.mu.Lock()
	fc.authCheckFn = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}
	fc.mu.Unlock()
	c := NewClient(fc.config(), fc.srv.Client(), nil)

	err := c.LoginViaCredentials(context.Background(), testEmail, testPassword)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestForbiddenAfterLoginReturnsEmptyResult(t *testing.T) {
	fc := newFakeCloud(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	var buf bytes.Buffer
	c := newLoggedIn(t, fc, bufferLogger(&buf))

	var out map[string]any
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "ss3/subscriptions/12345/settings/normal"}, &out)

	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Contains(t, buf.String(), "endpoint not available in this plan")
}

func TestExpiredTokenRefreshesExactlyOnce(t *testing.T) {
	fc := newFakeCloud(t, nil)
	c := newLoggedIn(t, fc, nil)
	require.EqualValues(t, 1, fc.tokenHits.Load())

	later := time.Now().Add(2 * time.Hour)
	c.now = func() time.Time { return later }

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out map[string]any
			errs <- c.Do(context.Background(), Request{Method: http.MethodGet, Path: "users/12345/subscriptions"}, &out)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, fc.tokenHits.Load(), "one login plus exactly one refresh")
	assert.EqualValues(t, callers, fc.resourceHits.Load())
	for _, b := range fc.seenBearers() {
		assert.Equal(t, "Bearer "+testRefreshToken, b)
	}
}

func TestUnauthorizedRetriesOnceThenFails(t *testing.T) {
	fc := newFakeCloud(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newLoggedIn(t, fc, nil)

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "users/12345/subscriptions"}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.EqualValues(t, 2, fc.resourceHits.Load(), "never a third attempt")
	assert.EqualValues(t, 2, fc.tokenHits.Load())
	assert.Equal(t, []string{"Bearer " + testAccessToken, "Bearer " + testRefreshToken}, fc.seenBearers())
}

func TestUnauthorizedThenSuccess(t *testing.T) {
	var calls atomic.Int32
	fc := newFakeCloud(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeTestJSON(w, map[string]any{"state": "AWAY"})
	})
	c := newLoggedIn(t, fc, nil)

	var out struct {
		State string `json:"state"`
	}
	require.NoError(t, c.Do(context.Background(), Request{Method: http.MethodPost, Path: "ss3/subscriptions/12345/state/away"}, &out))
	assert.Equal(t, "AWAY", out.State)
	assert.Equal(t, testRefreshToken, c.AccessToken())
}

func TestUnauthorizedWithoutRefreshToken(t *testing.T) {
	fc := newFakeCloud(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	fc.mu.Lock()
	fc.refreshToken = ""
	fc.mu.Unlock()
	c := newLoggedIn(t, fc, nil)

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "users/12345/subscriptions"}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.EqualValues(t, 1, fc.resourceHits.Load())
	assert.EqualValues(t, 1, fc.tokenHits.Load())
}

func TestServerErrorIsRequestError(t *testing.T) {
	fc := newFakeCloud(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	c := newLoggedIn(t, fc, nil)

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "subscriptions/12345/events"}, nil)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "subscriptions/12345/events", reqErr.Endpoint)
	assert.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)
	assert.Contains(t, err.Error(), "boom")
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestEmptyBodyLeavesOutputUntouched(t *testing.T) {
	fc := newFakeCloud(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c := newLoggedIn(t, fc, nil)

	out := map[string]any{"keep": true}
	require.NoError(t, c.Do(context.Background(), Request{Method: http.MethodPost, Path: "doorlock/12345/987/state"}, &out))
	assert.Equal(t, map[string]any{"keep": true}, out)
}

func TestJSONBodyContentType(t *testing.T) {
	var gotType string
	var gotBody map[string]any
	fc := newFakeCloud(t, func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})
	c := newLoggedIn(t, fc, nil)

	err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "doorlock/12345/987/state",
		JSON:   map[string]string{"state": "lock"},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "lock", gotBody["state"])
}

func TestRefreshRunsHooksBeforeReturning(t *testing.T) {
	fc := newFakeCloud(t, nil)
	c := newLoggedIn(t, fc, nil)

	var seen []string
	c.OnTokenRotated(func(_ context.Context, cred Credential) {
		seen = append(seen, cred.AccessToken)
	})

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, []string{testRefreshToken}, seen)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, []string{"password", "refresh_token"}, fc.grants)
}

func TestCredentialExpired(t *testing.T) {
	now := time.Now()

	assert.False(t, Credential{}.Expired(now), "no expiry is never expired")
	assert.False(t, Credential{Expiry: now.Add(time.Minute)}.Expired(now))
	assert.True(t, Credential{Expiry: now}.Expired(now))
	assert.True(t, Credential{Expiry: now.Add(-time.Second)}.Expired(now))
}

func TestFlexInt(t *testing.T) {
	var v struct {
		A FlexInt `json:"a"`
		B FlexInt `json:"b"`
		C FlexInt `json:"c"`
		D FlexInt `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":12345,"b":"678","c":"xxxxxxx","d":null}`), &v))

	assert.EqualValues(t, 12345, v.A)
	assert.EqualValues(t, 678, v.B)
	assert.EqualValues(t, 0, v.C)
	assert.EqualValues(t, 0, v.D)
}

func TestIsEmptyJSON(t *testing.T) {
	assert.True(t, IsEmptyJSON(nil))
	assert.True(t, IsEmptyJSON([]byte(" {} ")))
	assert.True(t, IsEmptyJSON([]byte("null")))
	assert.False(t, IsEmptyJSON([]byte(`{"state":"AWAY"}`)))
	assert.False(t, IsEmptyJSON([]byte(`[]`)))
}

func TestExpireKeepsNewerCredential(t *testing.T) {
	fc := newFakeCloud(t, nil)
	c := newLoggedIn(t, fc, nil)

	sent := c.cred.Load()
	c.storeCredential(Credential{AccessToken: "newer", Expiry: time.Now().Add(time.Hour)})

	assert.False(t, c.expire(sent))
	assert.Equal(t, "newer", c.AccessToken())
	assert.Equal(t, testRefreshToken, c.Credential().RefreshToken)
	assert.False(t, c.Credential().Expired(time.Now()))

	c.ForceExpire()
	assert.True(t, c.Credential().Expired(time.Now()))
	assert.Equal(t, "newer", c.AccessToken())
}

func TestUnauthorizedRetriesRacingRefresh(t *testing.T) {
	fc := newFakeCloud(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer "+testAccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeTestJSON(w, map[string]any{"ok": true})
	})
	c := newLoggedIn(t, fc, nil)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, 2*callers)
	for i := 0; i < callers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			var out map[string]any
			errs <- c.Do(context.Background(), Request{Method: http.MethodGet, Path: "users/12345/subscriptions"}, &out)
		}()
		go func() {
			defer wg.Done()
			errs <- c.Refresh(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, testRefreshToken, c.AccessToken())
	assert.False(t, c.Credential().Expired(time.Now()))
	assert.Equal(t, int64(testUserID), c.UserID())
}

func TestForbiddenAuthCheckOnRefreshKeepsUserID(t *testing.T) {
	var subscriptionPaths []string
	var mu sync.Mutex
	fc := newFakeCloud(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		subscriptionPaths = append(subscriptionPaths, r.URL.Path)
		mu.Unlock()
		writeTestJSON(w, map[string]any{"subscriptions": []any{}})
	})
	c := newLoggedIn(t, fc, nil)

	fc.mu.Lock()
	fc.authCheckFn = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}
	fc.mu.Unlock()

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, int64(testUserID), c.UserID())
	assert.Equal(t, testRefreshToken, c.AccessToken())

	var out map[string]any
	require.NoError(t, c.GetSubscriptionData(context.Background(), &out))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/v1/users/12345/subscriptions"}, subscriptionPaths)
}

func TestEmptyAuthCheckFailsLogin(t *testing.T) {
	fc := newFakeCloud(t, nil)
	fc.mu.Lock()
	fc.authCheckFn = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	fc.mu.Unlock()
	c := NewClient(fc.config(), fc.srv.Client(), nil)

	err := c.LoginViaCredentials(context.Background(), testEmail, testPassword)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, c.UserID())
}
