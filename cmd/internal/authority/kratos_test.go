package authority_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/cmd/internal/authority"
)

// fakeKratos serves the subset of the Kratos public API used by KratosAuthority.
type fakeKratos struct {
	mu           sync.Mutex
	password     string
	activeToken  string
	loggedOut    []string
	recoverySent []string
}

func flowJSON(id, kind string, messages ...map[string]any) map[string]any {
	now := time.Now().UTC()
	if messages == nil {
		messages = []map[string]any{}
	}
	return map[string]any{
		"id":          id,
		"type":        "api",
		"state":       "choose_method",
		"expires_at":  now.Add(time.Hour),
		"issued_at":   now,
		"request_url": "http://kratos.test/self-service/" + kind + "/api",
		"ui": map[string]any{
			"action":   "http://kratos.test/self-service/" + kind + "?flow=" + id,
			"method":   "POST",
			"nodes":    []any{},
			"messages": messages,
		},
	}
}

func errorText(text string) map[string]any {
	return map[string]any{"id": 4000006, "type": "error", "text": text}
}

func kratosIdentityJSON() map[string]any {
	return map[string]any{
		"id":              "9f0c0d9e-0000-4000-8000-000000000007",
		"schema_id":       "default",
		"schema_url":      "http://kratos.test/schemas/default",
		"traits":          map[string]any{"email": "a@x.com", "name": map[string]any{"first": "Ann", "last": ""}},
		"metadata_public": map[string]any{"id": 7},
		"created_at":      "2024-01-02T03:04:05Z",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeKratos) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /self-service/login/api", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, flowJSON("login-1", "login"))
	})
	mux.HandleFunc("POST /self-service/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		if body["identifier"] != "a@x.com" || body["password"] != f.password {
			writeJSON(w, http.StatusBadRequest, flowJSON("login-1", "login", errorText("The provided credentials are invalid.")))
			return
		}
		f.activeToken = "tok-1"
		writeJSON(w, http.StatusOK, map[string]any{
			"session":       map[string]any{"id": "sess-1", "active": true, "identity": kratosIdentityJSON()},
			"session_token": f.activeToken,
		})
	})
	mux.HandleFunc("GET /sessions/whoami", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if tok := r.Header.Get("X-Session-Token"); tok == "" || tok != f.activeToken {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": 401, "message": "No valid session credentials found in the request."}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "sess-1", "active": true, "identity": kratosIdentityJSON()})
	})
	mux.HandleFunc("DELETE /self-service/logout/api", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.loggedOut = append(f.loggedOut, body["session_token"])
		f.activeToken = ""
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /self-service/registration/api", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, flowJSON("reg-1", "registration"))
	})
	mux.HandleFunc("POST /self-service/registration", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		traits, _ := body["traits"].(map[string]any)
		if traits["email"] == "taken@x.com" {
			writeJSON(w, http.StatusBadRequest, flowJSON("reg-1", "registration", errorText("An account with the same identifier exists already.")))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"identity": kratosIdentityJSON()})
	})
	mux.HandleFunc("GET /self-service/recovery/api", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, flowJSON("rec-1", "recovery"))
	})
	mux.HandleFunc("POST /self-service/recovery", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		email, _ := body["email"].(string)
		f.mu.Lock()
		f.recoverySent = append(f.recoverySent, email)
		f.mu.Unlock()
		flow := flowJSON("rec-1", "recovery")
		flow["state"] = "sent_email"
		writeJSON(w, http.StatusOK, flow)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]any{"message": "unexpected " + r.Method + " " + r.URL.Path}})
	})
	return mux
}

func newKratos(t *testing.T) (*authority.KratosAuthority, *fakeKratos) {
	t.Helper()
	fake := &fakeKratos{password: "correct horse"}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	k, err := authority.NewKratosAuthority(authority.KratosConfig{PublicURL: srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return k, fake
}

func TestKratos_LoginWhoAmILogout(t *testing.T) {
	t.Parallel()

	k, fake := newKratos(t)
	ctx := context.Background()

	_, err := k.WhoAmI(ctx)
	assert.Equal(t, authority.KindUnauthenticated, authority.KindOf(err), "no token yet")

	err = k.Login(ctx, "a@x.com", "wrong")
	assert.Equal(t, authority.KindRejected, authority.KindOf(err))
	assert.Equal(t, "The provided credentials are invalid.", authority.MessageOf(err))

	require.NoError(t, k.Login(ctx, "a@x.com", "correct horse"))

	v, err := k.WhoAmI(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.ID)
	assert.Equal(t, "Ann", v.Name)
	assert.Equal(t, "a@x.com", v.Email)

	require.NoError(t, k.Logout(ctx))
	fake.mu.Lock()
	assert.Equal(t, []string{"tok-1"}, fake.loggedOut)
	fake.mu.Unlock()

	_, err = k.WhoAmI(ctx)
	assert.Equal(t, authority.KindUnauthenticated, authority.KindOf(err))

	// Logging out without a session is a no-op.
	require.NoError(t, k.Logout(ctx))
}

func TestKratos_Register(t *testing.T) {
	t.Parallel()

	k, _ := newKratos(t)
	ctx := context.Background()

	require.NoError(t, k.Register(ctx, "new@x.com", "pw-long-enough"))

	err := k.Register(ctx, "taken@x.com", "pw-long-enough")
	assert.Equal(t, authority.KindRejected, authority.KindOf(err))
	assert.Contains(t, authority.MessageOf(err), "exists already")
}

func TestKratos_SendResetEmail(t *testing.T) {
	t.Parallel()

	k, fake := newKratos(t)
	require.NoError(t, k.SendResetEmail(context.Background(), "a@x.com"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"a@x.com"}, fake.recoverySent)
}

func TestKratos_ServerErrorIsTransport(t *testing.T) {
	t.Parallel()

	k, _ := newKratos(t)
	// Settings flows are not served by the fake and fall through to a 500.
	err := k.ResetPassword(context.Background(), "privileged-token", "new-pw")
	assert.Equal(t, authority.KindTransport, authority.KindOf(err))

	err = k.ResetPassword(context.Background(), " ", "new-pw")
	assert.Equal(t, authority.KindRejected, authority.KindOf(err))
}

func TestNewKratosAuthority_InvalidURL(t *testing.T) {
	t.Parallel()
	_, err := authority.NewKratosAuthority(authority.KratosConfig{PublicURL: "kratos:4433"})
	assert.Error(t, err)
}
