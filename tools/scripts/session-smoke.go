// Package main is a CI-friendly smoke test for a running wardend.
//
// It validates:
//   - readiness (the session settles)
//   - websocket handshake with subprotocol selection and hello/ack
//   - an initial session_state push
//   - login and logout over HTTP reflected as session_state pushes
//   - session_refresh while signed out answers with an error envelope
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "warden/shared/contracts/session/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 16

type smokeClient struct {
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL  = flag.String("base", "http://127.0.0.1:8080", "wardend base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		email    = flag.String("email", "", "Account to sign in with; empty skips the login round trip")
		password = flag.String("password", "", "Password for -email")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	mustBeReady(root, base, *timeout)

	c := mustConnect(root, wsURL(base), *origin, *timeout)
	defer closeWS(c.conn)

	initial := c.mustReadState(root, *timeout)
	if initial.Phase != v1.PhaseSettled {
		fatalf("initial phase=%q want %q", initial.Phase, v1.PhaseSettled)
	}
	if *verbose {
		fmt.Printf("connected: conn=%s authenticated=%v\n", c.connID, initial.Authenticated)
	}

	if *email != "" {
		mustPost(root, base, "/session/login", map[string]string{"email": *email, "password": *password}, *timeout)
		st := c.mustReadState(root, *timeout)
		if !st.Authenticated || st.Identity == nil || !strings.EqualFold(st.Identity.Email, *email) {
			fatalf("login not reflected: %+v", st)
		}
		if *verbose {
			fmt.Printf("signed in: id=%d name=%q\n", st.Identity.ID, st.Identity.Name)
		}
	}

	if initial.Authenticated || *email != "" {
		mustPost(root, base, "/session/logout", struct{}{}, *timeout)
		if st := c.mustReadState(root, *timeout); st.Authenticated {
			fatalf("logout not reflected: %+v", st)
		}
	}

	mustWriteWithTimeout(root, c.conn, v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSessionRefresh,
		ID:   "smoke-refresh",
		TS:   time.Now().UTC(),
	}, *timeout)
	ep := c.mustReadError(root, *timeout)
	if ep.Code != v1.CodeUnauthenticated {
		fatalf("refresh while signed out: code=%q want %q", ep.Code, v1.CodeUnauthenticated)
	}

	fmt.Println("OK")
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsURL(base *url.URL) string {
	u := *base
	u.Scheme = "ws"
	if base.Scheme == "https" {
		u.Scheme = "wss"
	}
	return u.JoinPath("/ws").String()
}

func mustBeReady(parent context.Context, base *url.URL, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	target := base.JoinPath("/readyz").String()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			fatalf("readyz request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		select {
		case <-ctx.Done():
			fatalf("server not ready: %v", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func mustPost(parent context.Context, base *url.URL, path string, body any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(body)
	if err != nil {
		fatalf("marshal %s body: %v", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath(path).String(), bytes.NewReader(b))
	if err != nil {
		fatalf("%s request: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		fatalf("POST %s: status=%d code=%q message=%q", path, resp.StatusCode, e.Error.Code, e.Error.Message)
	}
}

func mustConnect(parent context.Context, target, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "smoke-hello",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Client: "session-smoke"}),
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload: %v", err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id")
	}
	c.connID = p.ConnectionID
	return c
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) next(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q: %v", want, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %q: %v", want, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q", want)
		}
		return env
	}
	return v1.Envelope{}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	env := c.next(parent, wantType, stepTimeout)
	if env.Type == v1.TypeError {
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
	}
	if env.Type != wantType {
		fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
	}
	return env
}

func (c *smokeClient) mustReadState(parent context.Context, stepTimeout time.Duration) v1.SessionStatePayload {
	env := c.mustReadUntilType(parent, v1.TypeSessionState, stepTimeout)
	var st v1.SessionStatePayload
	if err := json.Unmarshal(env.Payload, &st); err != nil {
		fatalf("unmarshal session_state payload: %v", err)
	}
	return st
}

func (c *smokeClient) mustReadError(parent context.Context, stepTimeout time.Duration) v1.ErrorPayload {
	env := c.next(parent, v1.TypeError, stepTimeout)
	if env.Type != v1.TypeError {
		fatalf("unexpected envelope type: got=%q want=%q", env.Type, v1.TypeError)
	}
	var ep v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		fatalf("unmarshal error payload: %v", err)
	}
	return ep
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
