package sessionapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/cmd/internal/authority"
	"warden/cmd/internal/devauthority"
	"warden/cmd/internal/session"
	sessionapi "warden/cmd/internal/session/api"
	"warden/cmd/internal/snapshot"
	"warden/cmd/security/password"
	v1 "warden/shared/contracts/session/v1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stack struct {
	api    *httptest.Server
	store  *snapshot.MemoryStore
	outbox *devauthority.Outbox
}

// newStack wires the API over a real Machine talking to the dev authority.
func newStack(t *testing.T, cfg sessionapi.Config) stack {
	t.Helper()

	devCfg := devauthority.DefaultConfig()
	devCfg.Password = password.LowCostConfig()
	outbox := &devauthority.Outbox{}
	dev, err := devauthority.New(quietLogger(), devCfg, devauthority.WithEmailSender(outbox))
	require.NoError(t, err)
	require.NoError(t, dev.Seed([]devauthority.SeedUser{
		{ID: 7, Name: "Ann", Email: "a@x.com", Password: "correct horse battery"},
	}))
	devSrv := httptest.NewServer(dev.Handler())
	t.Cleanup(devSrv.Close)

	client, err := authority.NewHTTPClient(authority.HTTPConfig{BaseURL: devSrv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	store := snapshot.NewMemoryStore()
	m, err := session.NewMachine(store, client, session.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	m.Start(context.Background())
	require.NoError(t, m.Wait(context.Background()))

	h, err := sessionapi.NewHandler(quietLogger(), session.NewFacade(m), cfg)
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)
	api := httptest.NewServer(mux)
	t.Cleanup(api.Close)

	return stack{api: api, store: store, outbox: outbox}
}

func post(t *testing.T, base, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(base+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeState(t *testing.T, resp *http.Response) v1.SessionStatePayload {
	t.Helper()
	var st v1.SessionStatePayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func decodeError(t *testing.T, resp *http.Response) (code, msg string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error.Code, body.Error.Message
}

func TestAPI_LoginStateLogout(t *testing.T) {
	s := newStack(t, sessionapi.DefaultConfig())

	resp, err := http.Get(s.api.URL + "/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeState(t, resp)
	assert.False(t, st.Authenticated)
	assert.Equal(t, v1.PhaseSettled, st.Phase)
	assert.Nil(t, st.Identity)

	resp = post(t, s.api.URL, "/session/login", `{"email":"a@x.com","password":"correct horse battery"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decodeState(t, resp)
	require.True(t, st.Authenticated)
	require.NotNil(t, st.Identity)
	assert.Equal(t, int64(7), st.Identity.ID)
	assert.Equal(t, "Ann", st.Identity.Name)

	_, ok, err := s.store.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	resp = post(t, s.api.URL, "/session/refresh", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, s.api.URL, "/session/logout", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decodeState(t, resp)
	assert.False(t, st.Authenticated)

	_, ok, err = s.store.Read(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAPI_LoginRejected(t *testing.T) {
	s := newStack(t, sessionapi.DefaultConfig())

	resp := post(t, s.api.URL, "/session/login", `{"email":"a@x.com","password":"wrong horse battery"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	code, msg := decodeError(t, resp)
	assert.Equal(t, "rejected", code)
	assert.Equal(t, "Invalid email or password", msg)
	assert.Equal(t, 0, s.store.Writes())
}

func TestAPI_RefreshSignedOut(t *testing.T) {
	s := newStack(t, sessionapi.DefaultConfig())

	resp := post(t, s.api.URL, "/session/refresh", ``)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, msg := decodeError(t, resp)
	assert.Equal(t, "unauthenticated", code)
	assert.Equal(t, session.MsgNotSignedIn, msg)
}

func TestAPI_RegisterAndPasswordReset(t *testing.T) {
	s := newStack(t, sessionapi.DefaultConfig())

	resp := post(t, s.api.URL, "/session/register", `{"email":"b@x.com","password":"another long secret"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, s.api.URL, "/session/register", `{"email":"b@x.com","password":"another long secret"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, msg := decodeError(t, resp)
	assert.Equal(t, "Email already registered", msg)

	resp = post(t, s.api.URL, "/session/password/reset-email", `{"email":"b@x.com"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	mail, ok := s.outbox.Last("b@x.com")
	require.True(t, ok)

	body, err := json.Marshal(map[string]string{"token": mail.Token, "password": "a brand new secret"})
	require.NoError(t, err)
	resp = post(t, s.api.URL, "/session/password/reset", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, s.api.URL, "/session/password/reset", string(body))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, msg = decodeError(t, resp)
	assert.Equal(t, "Reset link is invalid or has expired", msg)

	resp = post(t, s.api.URL, "/session/login", `{"email":"b@x.com","password":"a brand new secret"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_BadRequests(t *testing.T) {
	s := newStack(t, sessionapi.DefaultConfig())

	cases := []struct {
		name     string
		path     string
		body     string
		wantCode string
	}{
		{name: "not json", path: "/session/login", body: `email=a`, wantCode: "invalid_json"},
		{name: "unknown field", path: "/session/login", body: `{"email":"a@x.com","password":"x","remember":true}`, wantCode: "invalid_json"},
		{name: "trailing data", path: "/session/login", body: `{"email":"a@x.com","password":"x"}{}`, wantCode: "invalid_json"},
		{name: "missing password", path: "/session/login", body: `{"email":"a@x.com"}`, wantCode: "invalid_request"},
		{name: "missing email", path: "/session/register", body: `{"password":"x"}`, wantCode: "invalid_request"},
		{name: "missing reset email", path: "/session/password/reset-email", body: `{"email":"  "}`, wantCode: "invalid_request"},
		{name: "missing token", path: "/session/password/reset", body: `{"password":"x"}`, wantCode: "invalid_request"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := post(t, s.api.URL, tc.path, tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			code, _ := decodeError(t, resp)
			assert.Equal(t, tc.wantCode, code)
		})
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	s := newStack(t, sessionapi.DefaultConfig())

	resp, err := http.Get(s.api.URL + "/session/login")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPI_RateLimitsMutations(t *testing.T) {
	cfg := sessionapi.DefaultConfig()
	cfg.RateLimit = 2
	cfg.RateWindow = time.Minute
	s := newStack(t, cfg)

	for i := 0; i < 2; i++ {
		resp := post(t, s.api.URL, "/session/logout", ``)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := post(t, s.api.URL, "/session/logout", ``)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	code, _ := decodeError(t, resp)
	assert.Equal(t, "rate_limited", code)

	get, err := http.Get(s.api.URL + "/session")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
}

// stubSessions returns fixed errors from every operation.
type stubSessions struct {
	err error
}

func (s stubSessions) State() session.State {
	return session.State{Phase: session.PhaseSettled}
}

func (s stubSessions) Login(context.Context, string, string) error    { return s.err }
func (s stubSessions) Register(context.Context, string, string) error { return s.err }
func (s stubSessions) Logout(context.Context)                         {}
func (s stubSessions) SendResetEmail(context.Context, string) error   { return s.err }
func (s stubSessions) ResetPassword(context.Context, string, string) error {
	return s.err
}
func (s stubSessions) Refresh(context.Context) error { return s.err }

func TestAPI_FailureStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "rejected", err: &session.Failure{Kind: session.FailureRejected, Message: "no"}, wantStatus: http.StatusBadRequest},
		{name: "unauthenticated", err: &session.Failure{Kind: session.FailureUnauthenticated, Message: "no"}, wantStatus: http.StatusUnauthorized},
		{name: "transport", err: &session.Failure{Kind: session.FailureTransport, Message: "no"}, wantStatus: http.StatusBadGateway},
		{name: "superseded", err: &session.Failure{Kind: session.FailureSuperseded, Message: "no"}, wantStatus: http.StatusConflict},
		{name: "untyped", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h, err := sessionapi.NewHandler(quietLogger(), stubSessions{err: tc.err}, sessionapi.DefaultConfig())
			require.NoError(t, err)
			mux := http.NewServeMux()
			h.Register(mux)

			req := httptest.NewRequest(http.MethodPost, "/session/login", bytes.NewBufferString(`{"email":"a@x.com","password":"x"}`))
			req.RemoteAddr = "192.0.2.1:1234"
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
		})
	}
}

// countingSessions counts the operations that reached it.
type countingSessions struct {
	stubSessions
	calls *atomic.Int32
}

func (c countingSessions) Login(context.Context, string, string) error {
	c.calls.Add(1)
	return nil
}

func (c countingSessions) Logout(context.Context) { c.calls.Add(1) }

func TestAPI_MutationGuard(t *testing.T) {
	t.Parallel()

	const login = `{"email":"a@x.com","password":"pw"}`
	cases := []struct {
		name        string
		path        string
		origin      string
		contentType string
		required    bool
		wantStatus  int
		wantCode    string
	}{
		{name: "foreign origin login", path: "/session/login", origin: "https://evil.example", contentType: "text/plain", wantStatus: http.StatusForbidden, wantCode: "forbidden_origin"},
		{name: "foreign origin logout", path: "/session/logout", origin: "https://evil.example", contentType: "application/json", wantStatus: http.StatusForbidden, wantCode: "forbidden_origin"},
		{name: "form post", path: "/session/logout", contentType: "application/x-www-form-urlencoded", wantStatus: http.StatusUnsupportedMediaType, wantCode: "unsupported_media_type"},
		{name: "text plain", path: "/session/login", contentType: "text/plain", wantStatus: http.StatusUnsupportedMediaType, wantCode: "unsupported_media_type"},
		{name: "missing content type", path: "/session/logout", wantStatus: http.StatusUnsupportedMediaType, wantCode: "unsupported_media_type"},
		{name: "origin required", path: "/session/logout", contentType: "application/json", required: true, wantStatus: http.StatusForbidden, wantCode: "forbidden_origin"},
		{name: "allowed origin", path: "/session/login", origin: "http://localhost:5173", contentType: "application/json; charset=utf-8", wantStatus: http.StatusOK},
		{name: "no origin", path: "/session/logout", contentType: "application/json", wantStatus: http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := sessionapi.DefaultConfig()
			cfg.OriginRequired = tc.required
			calls := &atomic.Int32{}
			h, err := sessionapi.NewHandler(quietLogger(), countingSessions{calls: calls}, cfg)
			require.NoError(t, err)
			mux := http.NewServeMux()
			h.Register(mux)

			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(login))
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			require.Equal(t, tc.wantStatus, rr.Code)
			if tc.wantCode == "" {
				assert.Equal(t, int32(1), calls.Load())
				return
			}
			assert.Equal(t, int32(0), calls.Load(), "rejected request must not reach the session")
			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.Equal(t, tc.wantCode, body.Error.Code)
		})
	}
}

func TestNewHandler_Validation(t *testing.T) {
	t.Parallel()

	_, err := sessionapi.NewHandler(nil, nil, sessionapi.DefaultConfig())
	require.Error(t, err)

	cfg := sessionapi.DefaultConfig()
	cfg.MaxBodyBytes = 0
	_, err = sessionapi.NewHandler(nil, stubSessions{}, cfg)
	require.ErrorIs(t, err, sessionapi.ErrConfig)
}
