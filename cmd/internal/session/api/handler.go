package sessionapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/httprate"

	"warden/cmd/internal/session"
)

// Sessions is the part of session.Facade the API needs.
type Sessions interface {
	State() session.State
	Login(ctx context.Context, email, credential string) error
	Register(ctx context.Context, email, credential string) error
	Logout(ctx context.Context)
	SendResetEmail(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, credential string) error
	Refresh(ctx context.Context) error
}

// Handler serves the session API.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions Sessions
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, sessions Sessions, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if sessions == nil {
		return nil, errors.New("sessionapi: nil sessions")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{log: log, cfg: cfg, sessions: sessions}, nil
}

// Register wires the session routes onto mux. Mutating routes pass the
// origin and content-type guard and share one per-IP rate limiter.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	rate := h.limiter()
	limit := func(next http.Handler) http.Handler { return h.guard(rate(next)) }

	mux.HandleFunc("GET /session", h.handleState)
	mux.Handle("POST /session/login", limit(http.HandlerFunc(h.handleLogin)))
	mux.Handle("POST /session/register", limit(http.HandlerFunc(h.handleRegister)))
	mux.Handle("POST /session/logout", limit(http.HandlerFunc(h.handleLogout)))
	mux.Handle("POST /session/password/reset-email", limit(http.HandlerFunc(h.handleResetEmail)))
	mux.Handle("POST /session/password/reset", limit(http.HandlerFunc(h.handleResetPassword)))
	mux.Handle("POST /session/refresh", limit(http.HandlerFunc(h.handleRefresh)))
}

func (h *Handler) limiter() func(http.Handler) http.Handler {
	if h.cfg.RateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(h.cfg.RateLimit, h.cfg.RateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			h.log.Warn("sessionapi.rate_limited", "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many attempts, please retry later")
		}),
	)
}

// ---- handlers ----

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Payload(h.sessions.State()))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Email and password are required")
		return
	}

	if err := h.sessions.Login(r.Context(), email, req.Password); err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Payload(h.sessions.State()))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Email and password are required")
		return
	}

	if err := h.sessions.Register(r.Context(), email, req.Password); err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(r.Context())
	writeJSON(w, http.StatusOK, Payload(h.sessions.State()))
}

func (h *Handler) handleResetEmail(w http.ResponseWriter, r *http.Request) {
	var req resetEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Email is required")
		return
	}

	if err := h.sessions.SendResetEmail(r.Context(), email); err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Token and password are required")
		return
	}

	if err := h.sessions.ResetPassword(r.Context(), token, req.Password); err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Refresh(r.Context()); err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Payload(h.sessions.State()))
}

// ---- helpers ----

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return false
	}
	return true
}

// writeFailure maps a Facade failure onto a status code.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	var f *session.Failure
	if !errors.As(err, &f) {
		h.log.Error("sessionapi.unexpected_error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "An unexpected error occurred")
		return
	}

	status := http.StatusBadGateway
	switch f.Kind {
	case session.FailureRejected:
		status = http.StatusBadRequest
	case session.FailureUnauthenticated:
		status = http.StatusUnauthorized
	case session.FailureSuperseded:
		status = http.StatusConflict
	}
	h.log.Info("sessionapi.op.fail", "op", f.Op, "kind", string(f.Kind), "status", status)
	writeError(w, status, string(f.Kind), f.Message)
}
