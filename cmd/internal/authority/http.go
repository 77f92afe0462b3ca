package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"warden/cmd/identity"
)

// HTTP endpoints relative to the authority base URL.
const (
	PathUserInfo      = "/user/info"
	PathLogin         = "/auth/login"
	PathRegister      = "/auth/register"
	PathLogout        = "/auth/logout"
	PathResetEmail    = "/auth/reset-email"
	PathResetPassword = "/auth/reset-password"
)

const maxResponseBytes = 1 << 20

// Envelope is the response shape of every HTTP authority endpoint.
// A non-empty Error is an authority rejection.
type Envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// CredentialsRequest is the body of login and register.
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ResetEmailRequest is the body of the reset-email endpoint.
type ResetEmailRequest struct {
	Email string `json:"email"`
}

// ResetPasswordRequest is the body of the reset-password endpoint.
type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	// BaseURL is the authority root, e.g. "https://id.example.com/api".
	BaseURL string
	// Timeout bounds each call. Zero means 10s.
	Timeout time.Duration
	// Client overrides the underlying HTTP client. Its Jar is replaced when nil.
	Client *http.Client
	// Credentials persists the session cookies across restarts. Nil keeps
	// them in memory only.
	Credentials CredentialStore
	// Log receives credential persistence failures. Nil uses slog.Default().
	Log *slog.Logger
}

// HTTPClient talks to a JSON authority using cookie-bound sessions.
//
// The cookies the authority sets for the user-info endpoint are written to
// the credential store whenever they change and restored before the first
// call, so a restarted process resumes the same remote session.
type HTTPClient struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	creds   *credentialSlot
}

type savedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewHTTPClient validates cfg and builds a client with its own cookie jar.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("authority: invalid base url %q", cfg.BaseURL)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	} else {
		cp := *client
		client = &cp
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("authority: cookie jar: %w", err)
		}
		client.Jar = jar
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		base:    u,
		client:  client,
		timeout: timeout,
		creds:   newCredentialSlot(cfg.Credentials, cfg.Log, timeout),
	}, nil
}

func (c *HTTPClient) WhoAmI(ctx context.Context) (identity.Identity, error) {
	env, status, err := c.do(ctx, OpWhoAmI, http.MethodGet, PathUserInfo, nil)
	if err != nil {
		return identity.Identity{}, err
	}
	if env.Error != "" || status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.forgetSession(ctx)
		return identity.Identity{}, Unauthenticated(OpWhoAmI, env.Error)
	}
	if isNullData(env.Data) {
		c.forgetSession(ctx)
		return identity.Identity{}, Unauthenticated(OpWhoAmI, "")
	}

	v, perr := identity.Parse(env.Data)
	if perr != nil {
		return identity.Identity{}, Transport(OpWhoAmI, perr)
	}
	return v, nil
}

func (c *HTTPClient) Login(ctx context.Context, email, credential string) error {
	return c.command(ctx, OpLogin, PathLogin, CredentialsRequest{Email: email, Password: credential})
}

func (c *HTTPClient) Register(ctx context.Context, email, credential string) error {
	return c.command(ctx, OpRegister, PathRegister, CredentialsRequest{Email: email, Password: credential})
}

// Logout ends the remote session and drops the local cookies on every path.
func (c *HTTPClient) Logout(ctx context.Context) error {
	defer c.forgetSession(ctx)
	return c.command(ctx, OpLogout, PathLogout, nil)
}

func (c *HTTPClient) SendResetEmail(ctx context.Context, email string) error {
	return c.command(ctx, OpSendResetEmail, PathResetEmail, ResetEmailRequest{Email: email})
}

func (c *HTTPClient) ResetPassword(ctx context.Context, token, credential string) error {
	return c.command(ctx, OpResetPassword, PathResetPassword, ResetPasswordRequest{Token: token, Password: credential})
}

func (c *HTTPClient) command(ctx context.Context, op, path string, body any) error {
	env, status, err := c.do(ctx, op, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if env.Error != "" {
		return Rejected(op, env.Error)
	}
	if status >= 400 {
		return Rejected(op, http.StatusText(status))
	}
	return nil
}

// do performs one request and decodes the envelope.
// It returns a transport *Error for anything that is not a well-formed answer.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body any) (Envelope, int, error) {
	if err := c.restoreSession(ctx); err != nil {
		return Envelope{}, 0, Transport(op, fmt.Errorf("restore credential: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, 0, Transport(op, fmt.Errorf("encode request: %w", err))
		}
		rdr = bytes.NewReader(b)
	}

	target := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), rdr)
	if err != nil {
		return Envelope{}, 0, Transport(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Envelope{}, 0, Transport(op, err)
	}
	defer resp.Body.Close()

	if len(resp.Cookies()) > 0 {
		c.saveSession(ctx)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Envelope{}, resp.StatusCode, Transport(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return Envelope{}, resp.StatusCode, Transport(op, fmt.Errorf("status %d", resp.StatusCode))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, resp.StatusCode, Transport(op, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err))
	}
	return env, resp.StatusCode, nil
}

// sessionURL is the URL whose cookies identify the remote session.
func (c *HTTPClient) sessionURL() *url.URL {
	return c.base.JoinPath(PathUserInfo)
}

func (c *HTTPClient) restoreSession(ctx context.Context) error {
	return c.creds.loadOnce(ctx, func(raw []byte) {
		var saved []savedCookie
		if err := json.Unmarshal(raw, &saved); err != nil {
			c.creds.log.Warn("authority.credential.decode.fail", "err", err)
			return
		}
		cookies := make([]*http.Cookie, 0, len(saved))
		for _, sc := range saved {
			if sc.Name == "" {
				continue
			}
			cookies = append(cookies, &http.Cookie{Name: sc.Name, Value: sc.Value, Path: "/"})
		}
		c.client.Jar.SetCookies(c.sessionURL(), cookies)
	})
}

// saveSession writes the jar's current session cookies through to the store.
// An empty jar clears the store.
func (c *HTTPClient) saveSession(ctx context.Context) {
	cookies := c.client.Jar.Cookies(c.sessionURL())
	if len(cookies) == 0 {
		c.creds.clear(ctx)
		return
	}
	saved := make([]savedCookie, 0, len(cookies))
	for _, ck := range cookies {
		saved = append(saved, savedCookie{Name: ck.Name, Value: ck.Value})
	}
	raw, err := json.Marshal(saved)
	if err != nil {
		c.creds.log.Warn("authority.credential.encode.fail", "err", err)
		return
	}
	c.creds.save(ctx, raw)
}

// forgetSession expires the session cookies in the jar and clears the store.
func (c *HTTPClient) forgetSession(ctx context.Context) {
	u := c.sessionURL()
	cookies := c.client.Jar.Cookies(u)
	expired := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		expired = append(expired, &http.Cookie{Name: ck.Name, Path: "/", MaxAge: -1})
	}
	if len(expired) > 0 {
		c.client.Jar.SetCookies(u, expired)
	}
	c.creds.clear(ctx)
}

func isNullData(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
