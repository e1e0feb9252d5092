package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxErrorBody bounds how much of a failed response is kept in errors.
const maxErrorBody = 512

// BasicAuth replaces the bearer token on a request.
type BasicAuth struct {
	Username string
	Password string
}

// Request describes one REST call relative to the API base URL. At most one
// of Form and JSON should be set.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Form      url.Values
	JSON      any
	BasicAuth *BasicAuth
}

// Do performs an authenticated request and decodes the JSON response into out.
//
// An expired token is refreshed first. A 401 forces one refresh and one retry;
// a second 401 yields ErrInvalidCredentials. A 403 after login is treated as a
// feature missing from the account's plan: it is logged and out is left
// untouched. An empty response body also leaves out untouched.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	return c.do(ctx, req, out, false)
}

func (c *Client) do(ctx context.Context, req Request, out any, retried bool) error {
	final := req.BasicAuth != nil || inAuthFlow(ctx)

	if !final && c.cred.Load().Expired(c.now()) {
		if _, err := c.refresh(ctx, true); err != nil {
			return err
		}
	}

	// Headers are rebuilt on every attempt so a retry never reuses a stale token.
	sent := c.cred.Load()
	httpReq, err := c.newHTTPRequest(ctx, req, sent.AccessToken)
	if err != nil {
		return &RequestError{Method: req.Method, Endpoint: req.Path, Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &RequestError{Method: req.Method, Endpoint: req.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RequestError{Method: req.Method, Endpoint: req.Path, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeBody(req, body, out)

	case resp.StatusCode == http.StatusUnauthorized:
		if final || retried {
			return fmt.Errorf("api: %s %s: %w", req.Method, req.Path, ErrInvalidCredentials)
		}
		if c.cred.Load().RefreshToken == "" {
			return fmt.Errorf("api: %s %s: no refresh token: %w", req.Method, req.Path, ErrInvalidCredentials)
		}
		c.log.Debug("unauthorized, refreshing and retrying", "endpoint", req.Path)
		// A credential stored since the request was sent is already newer
		// than the rejected token and is left alone.
		c.expire(sent)
		return c.do(ctx, req, out, true)

	case resp.StatusCode == http.StatusForbidden:
		if c.UserID() != 0 {
			c.log.Info("endpoint not available in this plan", "endpoint", req.Path)
			return nil
		}
		return fmt.Errorf("api: %s %s: forbidden before login: %w", req.Method, req.Path, ErrInvalidCredentials)

	default:
		return &RequestError{
			Method:     req.Method,
			Endpoint:   req.Path,
			StatusCode: resp.StatusCode,
			Err:        errors.New(describeBody(body)),
		}
	}
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request, accessToken string) (*http.Request, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	contentType := "application/x-www-form-urlencoded"
	var body io.Reader
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Hostname != "" {
		httpReq.Host = c.cfg.Hostname
	}

	switch {
	case req.BasicAuth != nil:
		httpReq.SetBasicAuth(req.BasicAuth.Username, req.BasicAuth.Password)
	default:
		if accessToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+accessToken)
		}
	}
	return httpReq, nil
}

func decodeBody(req Request, body []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &RequestError{Method: req.Method, Endpoint: req.Path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func describeBody(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if s := eb.String(); s != "" {
			return s
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	if s == "" {
		return "empty response"
	}
	return s
}
