package app_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/cmd/internal/app"
	"warden/cmd/internal/devauthority"
	"warden/cmd/internal/snapshot"
	"warden/cmd/security/password"
	v1 "warden/shared/contracts/session/v1"
)

const seedYAML = `users:
  - id: 7
    name: Ann
    email: a@x.com
    password: correct horse battery
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lowCostPasswords keeps argon2 cheap for the dev authority.
func lowCostPasswords(t *testing.T) {
	t.Helper()
	t.Setenv("WARDEN_PASSWORD_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("WARDEN_PASSWORD_ARGON2_ITERATIONS", "1")
	t.Setenv("WARDEN_PASSWORD_ARGON2_PARALLELISM", "1")
	t.Setenv("WARDEN_TOKEN_HMAC_KEY", "")
}

func devConfig(t *testing.T, backend, path string) app.Config {
	t.Helper()
	seed := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedYAML), 0o600))

	return app.Config{
		HTTPAddr:         "127.0.0.1:0",
		LogLevel:         "error",
		LogFormat:        "json",
		SnapshotBackend:  backend,
		SnapshotPath:     path,
		SnapshotProfile:  "default",
		AuthorityMode:    app.AuthorityDev,
		AuthorityTimeout: 5 * time.Second,
		VerifyTimeout:    5 * time.Second,
		StoreTimeout:     5 * time.Second,
		DevUsersFile:     seed,
		WSAllowedOrigins: []string{"http://127.0.0.1"},
		WSOriginRequired: true,
		ShutdownTimeout:  5 * time.Second,
	}
}

type running struct {
	app  *app.App
	base string
	stop func()
}

func start(t *testing.T, cfg app.Config, opts ...app.Option) running {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, cfg, quietLogger(), opts...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var stopped bool
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Errorf("app did not stop")
		}
	}
	t.Cleanup(stop)

	base := "http://" + a.Addr()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 20*time.Millisecond)

	return running{app: a, base: base, stop: stop}
}

func getState(t *testing.T, base string) v1.SessionStatePayload {
	t.Helper()
	resp, err := http.Get(base + "/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st v1.SessionStatePayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func postJSON(t *testing.T, base, path, body string) int {
	t.Helper()
	resp, err := http.Post(base+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestApp_DevModeLoginLogout(t *testing.T) {
	lowCostPasswords(t)
	r := start(t, devConfig(t, app.BackendMemory, ""))

	st := getState(t, r.base)
	assert.False(t, st.Authenticated)
	assert.False(t, st.Resolving)
	assert.Equal(t, v1.PhaseSettled, st.Phase)

	require.Equal(t, http.StatusBadRequest,
		postJSON(t, r.base, "/session/login", `{"email":"a@x.com","password":"wrong password"}`))
	require.Equal(t, http.StatusOK,
		postJSON(t, r.base, "/session/login", `{"email":"a@x.com","password":"correct horse battery"}`))

	st = getState(t, r.base)
	require.True(t, st.Authenticated)
	require.NotNil(t, st.Identity)
	assert.Equal(t, int64(7), st.Identity.ID)
	assert.Equal(t, "Ann", st.Identity.Name)

	v, ok := r.app.Sessions().Identity()
	require.True(t, ok)
	assert.Equal(t, "a@x.com", v.Email)

	require.Equal(t, http.StatusOK, postJSON(t, r.base, "/session/logout", `{}`))
	assert.False(t, getState(t, r.base).Authenticated)
}

func TestApp_PasswordResetThroughDevAuthority(t *testing.T) {
	lowCostPasswords(t)
	outbox := &devauthority.Outbox{}
	r := start(t, devConfig(t, app.BackendMemory, ""), app.WithDevEmailSender(outbox))

	require.Equal(t, http.StatusOK,
		postJSON(t, r.base, "/session/password/reset-email", `{"email":"a@x.com"}`))
	msg, ok := outbox.Last("a@x.com")
	require.True(t, ok)

	require.Equal(t, http.StatusOK,
		postJSON(t, r.base, "/session/password/reset", `{"token":"`+msg.Token+`","password":"a brand new secret"}`))
	require.Equal(t, http.StatusBadRequest,
		postJSON(t, r.base, "/session/login", `{"email":"a@x.com","password":"correct horse battery"}`))
	require.Equal(t, http.StatusOK,
		postJSON(t, r.base, "/session/login", `{"email":"a@x.com","password":"a brand new secret"}`))
	assert.True(t, getState(t, r.base).Authenticated)
}

func TestApp_RestartSelfHealsStaleSnapshot(t *testing.T) {
	lowCostPasswords(t)
	path := filepath.Join(t.TempDir(), "session.json")

	first := start(t, devConfig(t, app.BackendFile, path))
	require.Equal(t, http.StatusOK,
		postJSON(t, first.base, "/session/login", `{"email":"a@x.com","password":"correct horse battery"}`))
	first.stop()

	fs, err := snapshot.NewFileStore(path)
	require.NoError(t, err)
	_, ok, err := fs.Read(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "login should have persisted a snapshot")

	// A fresh dev authority has no session for the persisted identity.
	second := start(t, devConfig(t, app.BackendFile, path))
	st := getState(t, second.base)
	assert.False(t, st.Authenticated)
	assert.Equal(t, v1.PhaseSettled, st.Phase)

	_, ok, err = fs.Read(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "stale snapshot should be cleared after verification")
}

func TestApp_RestartResumesRemoteSession(t *testing.T) {
	lowCostPasswords(t)

	devCfg := devauthority.DefaultConfig()
	devCfg.Password = password.LowCostConfig()
	dev, err := devauthority.New(quietLogger(), devCfg)
	require.NoError(t, err)
	require.NoError(t, dev.Seed([]devauthority.SeedUser{
		{ID: 7, Name: "Ann", Email: "a@x.com", Password: "correct horse battery"},
	}))
	authSrv := httptest.NewServer(dev.Handler())
	t.Cleanup(authSrv.Close)

	path := filepath.Join(t.TempDir(), "session.json")
	cfg := devConfig(t, app.BackendFile, path)
	cfg.AuthorityMode = app.AuthorityHTTP
	cfg.AuthorityURL = authSrv.URL

	first := start(t, cfg)
	require.Equal(t, http.StatusOK,
		postJSON(t, first.base, "/session/login", `{"email":"a@x.com","password":"correct horse battery"}`))
	require.True(t, getState(t, first.base).Authenticated)
	first.stop()

	// The authority kept running, so the stored cookie is still valid.
	second := start(t, cfg)
	st := getState(t, second.base)
	require.True(t, st.Authenticated)
	require.NotNil(t, st.Identity)
	assert.Equal(t, int64(7), st.Identity.ID)
	assert.Equal(t, v1.PhaseSettled, st.Phase)

	fs, err := snapshot.NewFileStore(path)
	require.NoError(t, err)
	_, ok, err := fs.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "confirmed snapshot should be kept")

	require.Equal(t, http.StatusOK, postJSON(t, second.base, "/session/logout", `{}`))
	second.stop()

	creds, err := snapshot.NewFileStore(snapshot.CredentialName(path))
	require.NoError(t, err)
	_, ok, err = creds.Read(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "logout should drop the stored credential")

	third := start(t, cfg)
	assert.False(t, getState(t, third.base).Authenticated)
}

func TestApp_OperationalRoutes(t *testing.T) {
	lowCostPasswords(t)
	r := start(t, devConfig(t, app.BackendMemory, ""))

	resp, err := http.Get(r.base + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	req, err := http.NewRequest(http.MethodPost, r.base+"/session/logout", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Get(r.base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "warden_session_reconciliations_total")
	assert.Contains(t, string(body), "warden_http_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestApp_NewRejectsInvalidConfig(t *testing.T) {
	cfg := devConfig(t, "etcd", "")
	_, err := app.New(context.Background(), cfg, quietLogger())
	require.ErrorIs(t, err, app.ErrConfig)
}

func TestApp_NewFailsOnMissingSeedFile(t *testing.T) {
	lowCostPasswords(t)
	cfg := devConfig(t, app.BackendMemory, "")
	cfg.DevUsersFile = filepath.Join(t.TempDir(), "absent.yaml")

	_, err := app.New(context.Background(), cfg, quietLogger())
	require.Error(t, err)
}
