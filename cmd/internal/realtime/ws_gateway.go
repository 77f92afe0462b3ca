package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"warden/cmd/internal/origin"
	"warden/cmd/internal/session"
	sessionapi "warden/cmd/internal/session/api"
	v1 "warden/shared/contracts/session/v1"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

var errBadJSON = errors.New("invalid JSON")

// Sessions is the part of session.Facade the gateway needs.
type Sessions interface {
	Subscribe() *session.Subscription
	Refresh(ctx context.Context) error
}

// WSGateway is the WebSocket entrypoint for session push.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and streams session states to each connection.
type WSGateway struct {
	log      *slog.Logger
	sessions Sessions
	cfg      Config

	// Derived for websocket.Accept origin checks, which authorize same-host
	// origins only unless OriginPatterns lists the cross-origin hosts.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, sessions Sessions, cfg Config) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if sessions == nil {
		return nil, errors.New("realtime: nil sessions")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &WSGateway{
		log:            log,
		sessions:       sessions,
		cfg:            cfg,
		originPatterns: origin.Patterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket and runs the push loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	policy := origin.Policy{Allowed: g.cfg.AllowedOrigins, Required: g.cfg.OriginRequired}
	if err := policy.Check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnectionID(time.Now())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(connID, g.cfg.SendQueueSize)
	g.log.Info("ws.connect", "conn_id", connID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does not close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Closed immediately when hello never arrives.
	pushDone := make(chan struct{})
	helloed := false

	// A refresh runs off the read loop; at most one is in flight per connection.
	var refreshes sync.WaitGroup
	var refreshing atomic.Bool

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		badJSON := false
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				badJSON = true
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.trySendError(ctx, client, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if badJSON {
			g.trySendError(ctx, client, v1.CodeBadRequest, "invalid JSON")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadRequest, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if helloed {
				g.trySendError(ctx, client, v1.CodeBadRequest, "duplicate hello")
				continue readLoop
			}
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, v1.CodeBadRequest, err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			helloed = true
			go func() {
				defer close(pushDone)
				g.pushStates(ctx, client, shutdown)
			}()

		case v1.TypeSessionRefresh:
			if !helloed {
				g.trySendError(ctx, client, v1.CodeBadRequest, "hello first")
				continue readLoop
			}
			if !refreshing.CompareAndSwap(false, true) {
				// Folded into the refresh in flight; its outcome is pushed as state.
				continue readLoop
			}
			refreshes.Add(1)
			go func() {
				defer refreshes.Done()
				defer refreshing.Store(false)
				g.onRefresh(ctx, client)
			}()

		default:
			g.trySendError(ctx, client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	refreshes.Wait()
	<-writerDone
	if !helloed {
		close(pushDone)
	}
	<-pushDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.disconnect", "conn_id", connID)
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	if len(env.Payload) > 0 {
		var p v1.HelloPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ack, err := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{ConnectionID: client.ConnID})
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onRefresh(ctx context.Context, client *Client) {
	err := g.sessions.Refresh(ctx)
	if err == nil {
		return
	}

	code := v1.CodeUnavailable
	var f *session.Failure
	if errors.As(err, &f) {
		switch f.Kind {
		case session.FailureUnauthenticated:
			code = v1.CodeUnauthenticated
		case session.FailureSuperseded:
			code = v1.CodeSuperseded
		case session.FailureRejected:
			code = v1.CodeBadRequest
		}
	}
	g.trySendError(ctx, client, code, err.Error())
}

// pushStates forwards session states until the connection ends. The
// subscription delivers the current state first.
func (g *WSGateway) pushStates(ctx context.Context, client *Client, shutdown func(websocket.StatusCode, string)) {
	sub := g.sessions.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case st, ok := <-sub.C():
			if !ok {
				shutdown(websocket.StatusGoingAway, "session closed")
				return
			}
			env, err := newEnvelope(v1.TypeSessionState, sessionapi.Payload(st))
			if err != nil {
				g.log.Error("ws.state.encode.fail", "conn_id", client.ConnID, "err", err)
				continue
			}
			if !g.enqueue(ctx, client, env) {
				g.log.Info("ws.state.backpressure", "conn_id", client.ConnID)
				shutdown(websocket.StatusPolicyViolation, "backpressure")
				return
			}
		}
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any) (v1.Envelope, error) {
	now := time.Now().UTC()
	id, err := NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: b,
	}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
