package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/cmd/identity"
	"warden/cmd/internal/authority"
	"warden/cmd/internal/session"
	"warden/cmd/internal/snapshot"
	v1 "warden/shared/contracts/session/v1"
)

// stubAuthority answers WhoAmI with whatever is set; every command succeeds.
type stubAuthority struct {
	mu  sync.Mutex
	who *identity.Identity
	// hold, when set, parks WhoAmI until it is closed or ctx ends.
	hold chan struct{}
}

func (a *stubAuthority) set(v *identity.Identity) {
	a.mu.Lock()
	a.who = v
	a.mu.Unlock()
}

func (a *stubAuthority) WhoAmI(ctx context.Context) (identity.Identity, error) {
	a.mu.Lock()
	hold := a.hold
	a.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return identity.Identity{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.who == nil {
		return identity.Identity{}, authority.Unauthenticated(authority.OpWhoAmI, "")
	}
	return *a.who, nil
}

func (a *stubAuthority) Login(context.Context, string, string) error         { return nil }
func (a *stubAuthority) Register(context.Context, string, string) error      { return nil }
func (a *stubAuthority) Logout(context.Context) error                        { return nil }
func (a *stubAuthority) SendResetEmail(context.Context, string) error        { return nil }
func (a *stubAuthority) ResetPassword(context.Context, string, string) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type wsFixture struct {
	srv     *httptest.Server
	machine *session.Machine
	facade  *session.Facade
	auth    *stubAuthority
}

func newFixture(t *testing.T, mutate func(*Config)) wsFixture {
	t.Helper()

	auth := &stubAuthority{}
	m, err := session.NewMachine(snapshot.NewMemoryStore(), auth, session.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	m.Start(context.Background())
	require.NoError(t, m.Wait(context.Background()))
	f := session.NewFacade(m)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := NewWSGateway(quietLogger(), f, cfg)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return wsFixture{srv: srv, machine: m, facade: f, auth: auth}
}

func dialWS(t *testing.T, baseHTTPURL, origin string, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if subprotocols == nil {
		subprotocols = []string{v1.Subprotocol}
	}
	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, fx wsFixture) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, fx.srv.URL, "http://localhost")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "c-1", TS: time.Now().UTC(), Payload: b}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	require.NoError(t, err)
	var env v1.Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	require.NoError(t, env.Validate())
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		env := readEnvelopeWS(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive %q within %d reads", typ, maxReads)
	return v1.Envelope{}
}

func statePayload(t *testing.T, env v1.Envelope) v1.SessionStatePayload {
	t.Helper()
	require.Equal(t, v1.TypeSessionState, env.Type)
	var p v1.SessionStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func hello(t *testing.T, conn *websocket.Conn) v1.SessionStatePayload {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Client: "test"})

	ack := readEnvelopeWS(t, conn)
	require.Equal(t, v1.TypeHelloAck, ack.Type)
	var p v1.HelloAckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &p))
	assert.Len(t, p.ConnectionID, 26)

	return statePayload(t, readEnvelopeWS(t, conn))
}

func TestWSGateway_HelloThenStatePushes(t *testing.T) {
	fx := newFixture(t, nil)
	conn := mustDial(t, fx)

	st := hello(t, conn)
	assert.False(t, st.Authenticated)
	assert.Equal(t, v1.PhaseSettled, st.Phase)

	fx.auth.set(&identity.Identity{ID: 7, Name: "Ann", Email: "a@x.com"})
	require.NoError(t, fx.facade.Login(context.Background(), "a@x.com", "pw"))

	st = statePayload(t, readUntilType(t, conn, v1.TypeSessionState, 3))
	require.True(t, st.Authenticated)
	require.NotNil(t, st.Identity)
	assert.Equal(t, int64(7), st.Identity.ID)
	assert.Equal(t, "Ann", st.Identity.Name)

	fx.facade.Logout(context.Background())
	st = statePayload(t, readUntilType(t, conn, v1.TypeSessionState, 3))
	assert.False(t, st.Authenticated)
	assert.Nil(t, st.Identity)
}

func TestWSGateway_RefreshSignedOutReportsError(t *testing.T) {
	fx := newFixture(t, nil)
	conn := mustDial(t, fx)
	hello(t, conn)

	writeEnvelopeWS(t, conn, v1.TypeSessionRefresh, v1.SessionRefreshPayload{})
	env := readUntilType(t, conn, v1.TypeError, 3)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, v1.CodeUnauthenticated, p.Code)
	assert.Equal(t, session.MsgNotSignedIn, p.Message)
}

func TestWSGateway_RefreshPicksUpRemoteLogin(t *testing.T) {
	fx := newFixture(t, nil)
	conn := mustDial(t, fx)
	hello(t, conn)

	fx.auth.set(&identity.Identity{ID: 9, Email: "c@x.com"})
	writeEnvelopeWS(t, conn, v1.TypeSessionRefresh, v1.SessionRefreshPayload{})

	st := statePayload(t, readUntilType(t, conn, v1.TypeSessionState, 3))
	require.NotNil(t, st.Identity)
	assert.Equal(t, int64(9), st.Identity.ID)
}

func TestWSGateway_ProtocolErrors(t *testing.T) {
	fx := newFixture(t, nil)
	conn := mustDial(t, fx)

	writeEnvelopeWS(t, conn, v1.TypeSessionRefresh, v1.SessionRefreshPayload{})
	env := readEnvelopeWS(t, conn)
	require.Equal(t, v1.TypeError, env.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	env = readEnvelopeWS(t, conn)
	require.Equal(t, v1.TypeError, env.Type)

	writeEnvelopeWS(t, conn, v1.TypeSessionState, v1.SessionStatePayload{})
	env = readEnvelopeWS(t, conn)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, v1.CodeUnsupported, p.Code)

	hello(t, conn)
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{})
	env = readUntilType(t, conn, v1.TypeError, 3)
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "duplicate hello", p.Message)
}

func TestWSGateway_RejectsForeignOrigin(t *testing.T) {
	fx := newFixture(t, nil)

	for _, origin := range []string{"", "http://evil.example"} {
		_, resp, err := dialWS(t, fx.srv.URL, origin)
		require.Error(t, err)
		require.NotNil(t, resp)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "origin %q", origin)
	}
}

func TestWSGateway_RequiresSubprotocol(t *testing.T) {
	fx := newFixture(t, nil)

	conn, resp, err := dialWS(t, fx.srv.URL, "http://localhost", "other.v1")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusProtocolError, websocket.CloseStatus(err))
}

func TestWSGateway_RateLimitCloses(t *testing.T) {
	fx := newFixture(t, func(c *Config) {
		c.RateEvents = 2
		c.RateWindow = time.Hour
	})
	conn := mustDial(t, fx)
	hello(t, conn)

	for i := 0; i < 3; i++ {
		writeEnvelopeWS(t, conn, "nope", struct{}{})
	}

	var closeErr error
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			closeErr = err
			break
		}
		var env v1.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
	}
	require.Error(t, closeErr)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(closeErr))
}

func TestWSGateway_BadJSONCountsTowardRateLimit(t *testing.T) {
	fx := newFixture(t, func(c *Config) {
		c.RateEvents = 2
		c.RateWindow = time.Hour
	})
	conn := mustDial(t, fx)
	hello(t, conn)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		cancel()
		if err != nil {
			break
		}
	}

	var closeErr error
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := conn.Read(ctx)
		cancel()
		if err != nil {
			closeErr = err
			break
		}
	}
	require.Error(t, closeErr)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(closeErr))
}

func TestWSGateway_RefreshDoesNotStallReads(t *testing.T) {
	fx := newFixture(t, nil)
	conn := mustDial(t, fx)
	hello(t, conn)

	hold := make(chan struct{})
	fx.auth.mu.Lock()
	fx.auth.hold = hold
	fx.auth.mu.Unlock()
	defer close(hold)

	writeEnvelopeWS(t, conn, v1.TypeSessionRefresh, v1.SessionRefreshPayload{})
	writeEnvelopeWS(t, conn, "nope", struct{}{})

	// The unsupported frame is answered while the refresh is parked.
	env := readEnvelopeWS(t, conn)
	require.Equal(t, v1.TypeError, env.Type)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, v1.CodeUnsupported, p.Code)
}

func TestWSGateway_MachineCloseEndsConnection(t *testing.T) {
	fx := newFixture(t, nil)
	conn := mustDial(t, fx)
	hello(t, conn)

	fx.machine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Now()
	assert.True(t, rl.Allow(now))
	assert.True(t, rl.Allow(now))
	assert.False(t, rl.Allow(now))
	assert.True(t, rl.Allow(now.Add(600*time.Millisecond)))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = cfg.HeartbeatInterval
	require.ErrorIs(t, cfg.Validate(), ErrConfig)

	cfg = DefaultConfig()
	cfg.SendQueueSize = 0
	require.ErrorIs(t, cfg.Validate(), ErrConfig)
}
