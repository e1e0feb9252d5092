// Package session is the entry point of the library: it logs in, discovers
// the account's alarm systems and keeps the event stream authenticated with
// the current access token.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/trymwestin/simplisafe/internal/config"
	"github.com/trymwestin/simplisafe/internal/core/api"
	"github.com/trymwestin/simplisafe/internal/core/stream"
	"github.com/trymwestin/simplisafe/internal/core/system"
	"github.com/trymwestin/simplisafe/internal/core/transport"
	"github.com/trymwestin/simplisafe/internal/logging"
)

// Options configures a session. Zero values fall back to config.Defaults.
type Options struct {
	API        config.APIConfig
	Stream     config.StreamConfig
	HTTPClient *http.Client
	Dialer     transport.Dialer
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	def := config.Defaults()
	if o.API.BaseURL == "" {
		o.API = def.API
	}
	if o.Stream.URL == "" {
		enabled := o.Stream.Enabled
		o.Stream = def.Stream
		o.Stream.Enabled = enabled
	}
	o.Logger = logging.OrDiscard(o.Logger)
	if o.Dialer == nil {
		o.Dialer = transport.NewWebsocketDialer(o.Stream.HandshakeTimeout, nil, o.Logger)
	}
	return o
}

// Session is an authenticated SimpliSafe account.
type Session struct {
	api    *api.Client
	stream *stream.Client
	log    *slog.Logger
}

// LoginViaCredentials authenticates with an email and password.
func LoginViaCredentials(ctx context.Context, email, password string, opts Options) (*Session, error) {
	return login(ctx, opts, func(c *api.Client) error {
		return c.LoginViaCredentials(ctx, email, password)
	})
}

// LoginViaToken authenticates with a refresh token saved from an earlier
// session.
func LoginViaToken(ctx context.Context, refreshToken string, opts Options) (*Session, error) {
	return login(ctx, opts, func(c *api.Client) error {
		return c.LoginViaToken(ctx, refreshToken)
	})
}

func login(ctx context.Context, opts Options, authenticate func(*api.Client) error) (*Session, error) {
	opts = opts.withDefaults()

	client := api.NewClient(opts.API, opts.HTTPClient, opts.Logger)
	if err := authenticate(client); err != nil {
		return nil, fmt.Errorf("session: login: %w", err)
	}

	s := &Session{
		api: client,
		stream: stream.NewClient(opts.Stream, client.UserID(), client.AccessToken(),
			opts.Dialer, opts.Logger.With("component", "stream")),
		log: opts.Logger.With("user_id", client.UserID()),
	}
	client.OnTokenRotated(s.rotateStreamToken)

	s.log.Info("logged in")
	return s, nil
}

// rotateStreamToken runs inside the refresh flight, so the stream is back on
// the new token before any caller waiting on the refresh resumes. The
// reconnect skips the stream's rate limit to keep those callers moving.
func (s *Session) rotateStreamToken(ctx context.Context, cred api.Credential) {
	if s.stream.Connected() {
		s.log.Info("access token rotated, reconnecting stream")
	}
	if err := s.stream.RotateToken(ctx, cred.AccessToken); err != nil {
		s.log.Error("stream reconnect after token rotation failed", "error", err)
	}
}

// API returns the authenticated REST client.
func (s *Session) API() *api.Client { return s.api }

// Stream returns the event stream, pre-wired with the user id and the
// current access token. It is not connected until Connect is called.
func (s *Session) Stream() *stream.Client { return s.stream }

// UserID returns the numeric user id.
func (s *Session) UserID() int64 { return s.api.UserID() }

// RefreshToken returns the current refresh token.
func (s *Session) RefreshToken() string { return s.api.RefreshToken() }

// Refresh renews the access token now. A connected stream is reconnected
// with the new token before Refresh returns.
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.api.Refresh(ctx); err != nil {
		return fmt.Errorf("session: refresh: %w", err)
	}
	return nil
}

// GetSystems discovers the account's alarm systems and loads their sensors,
// locks and settings. Systems on unsupported hardware are skipped.
func (s *Session) GetSystems(ctx context.Context) (map[int64]*system.System, error) {
	subs, err := system.FetchSubscriptions(ctx, s.api)
	if err != nil {
		return nil, fmt.Errorf("session: get systems: %w", err)
	}

	systems := make(map[int64]*system.System, len(subs))
	for _, sub := range subs {
		sys, err := system.New(s.api, sub.Location, s.log)
		if err != nil {
			s.log.Warn("skipping system", "system_id", sub.SID.Int64(), "error", err)
			continue
		}
		if err := sys.Update(ctx, system.FullUpdate); err != nil {
			return nil, fmt.Errorf("session: get systems: %w", err)
		}
		systems[sys.ID()] = sys
	}
	return systems, nil
}

// Close disconnects the event stream.
func (s *Session) Close(ctx context.Context) error {
	if s.stream.Status() == stream.Disconnected {
		return nil
	}
	return s.stream.Disconnect(ctx)
}
