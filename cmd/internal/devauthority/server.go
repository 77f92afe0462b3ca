package devauthority

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"warden/cmd/internal/authority"
	"warden/cmd/security/password"
	"warden/cmd/security/token"
)

// User-facing messages returned in the envelope error field.
const (
	msgInvalidRequest     = "Invalid request"
	msgInvalidCredentials = "Invalid email or password"
	msgEmailTaken         = "Email already registered"
	msgInvalidEmail       = "Please enter a valid email address"
	msgNotAuthenticated   = "Not authenticated"
	msgResetInvalid       = "Reset link is invalid or has expired"
	msgServerError        = "Internal server error"
)

// Server is the development authority.
type Server struct {
	log    *slog.Logger
	cfg    Config
	dir    *directory
	tokens token.Hasher
	mail   EmailSender
	now    func() time.Time

	dummyHash string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithEmailSender overrides the default logging sender.
func WithEmailSender(sender EmailSender) Option {
	return func(s *Server) {
		if sender != nil {
			s.mail = sender
		}
	}
}

// WithTokenHasher overrides the default SHA-256 token hasher.
func WithTokenHasher(h token.Hasher) Option {
	return func(s *Server) { s.tokens = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Server.
func New(log *slog.Logger, cfg Config, opts ...Option) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:  log,
		cfg:  cfg,
		dir:  newDirectory(),
		mail: LogEmailSender{Log: log},
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}

	// Dummy hash for timing-resistant login checks.
	if h, err := cfg.Password.Hash(strings.Repeat("x", max(cfg.Password.Policy.MinLength, 1))); err == nil {
		s.dummyHash = h
	}
	return s, nil
}

// Seed adds users. Seeded passwords bypass the length policy but are still hashed.
func (s *Server) Seed(users []SeedUser) error {
	relaxed := s.cfg.Password
	relaxed.Policy.MinLength = 1
	relaxed.Policy.RejectVeryWeak = false

	for _, u := range users {
		h, err := relaxed.Hash(u.Password)
		if err != nil {
			return err
		}
		created := u.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		if _, err := s.dir.add(u.ID, u.Name, u.Email, h, created); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the authority routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+authority.PathUserInfo, s.handleUserInfo)
	mux.HandleFunc("POST "+authority.PathLogin, s.handleLogin)
	mux.HandleFunc("POST "+authority.PathRegister, s.handleRegister)
	mux.HandleFunc("POST "+authority.PathLogout, s.handleLogout)
	mux.HandleFunc("POST "+authority.PathResetEmail, s.handleResetEmail)
	mux.HandleFunc("POST "+authority.PathResetPassword, s.handleResetPassword)
	return mux
}

func (s *Server) sessionDigest(r *http.Request) (string, bool) {
	c, err := r.Cookie(s.cfg.CookieName)
	if err != nil || strings.TrimSpace(c.Value) == "" {
		return "", false
	}
	return s.tokens.Sum(c.Value), true
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	digest, ok := s.sessionDigest(r)
	if !ok {
		writeFail(w, http.StatusUnauthorized, msgNotAuthenticated)
		return
	}
	v, err := s.dir.sessionIdentity(digest, s.now())
	if err != nil {
		writeFail(w, http.StatusUnauthorized, msgNotAuthenticated)
		return
	}
	writeData(w, v)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authority.CredentialsRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeFail(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	u, found := s.dir.byEmailAddr(req.Email)
	if !found {
		if s.dummyHash != "" {
			_, _ = s.cfg.Password.Verify(s.dummyHash, req.Password)
		}
		s.log.Info("devauthority.login.fail", "reason", "not_found")
		writeFail(w, http.StatusUnauthorized, msgInvalidCredentials)
		return
	}
	if ok, err := s.cfg.Password.Verify(u.hash, req.Password); err != nil || !ok {
		s.log.Info("devauthority.login.fail", "reason", "bad_password", "user_id", u.identity.ID)
		writeFail(w, http.StatusUnauthorized, msgInvalidCredentials)
		return
	}

	tok, err := token.New(s.cfg.TokenBytes)
	if err != nil {
		s.log.Error("devauthority.login.token.fail", "err", err)
		writeFail(w, http.StatusInternalServerError, msgServerError)
		return
	}
	exp := s.now().Add(s.cfg.SessionTTL)
	s.dir.openSession(s.tokens.Sum(tok), u.identity.ID, exp)

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    tok,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	s.log.Info("devauthority.login.ok", "user_id", u.identity.ID)
	writeData(w, u.identity)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req authority.CredentialsRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeFail(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	h, err := s.cfg.Password.Hash(req.Password)
	if err != nil {
		var pe *password.PolicyError
		if errors.As(err, &pe) {
			writeFail(w, http.StatusBadRequest, pe.Message())
			return
		}
		s.log.Error("devauthority.register.hash.fail", "err", err)
		writeFail(w, http.StatusInternalServerError, msgServerError)
		return
	}

	v, err := s.dir.add(0, "", req.Email, h, s.now())
	switch {
	case errors.Is(err, ErrEmailTaken):
		writeFail(w, http.StatusConflict, msgEmailTaken)
		return
	case err != nil:
		writeFail(w, http.StatusBadRequest, msgInvalidEmail)
		return
	}

	s.log.Info("devauthority.register.ok", "user_id", v.ID)
	writeData(w, v)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if digest, ok := s.sessionDigest(r); ok {
		s.dir.closeSession(digest)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeData(w, nil)
}

func (s *Server) handleResetEmail(w http.ResponseWriter, r *http.Request) {
	var req authority.ResetEmailRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeFail(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	// Unknown addresses get the same answer as known ones.
	u, found := s.dir.byEmailAddr(req.Email)
	if !found {
		writeData(w, nil)
		return
	}

	tok, err := token.New(s.cfg.TokenBytes)
	if err != nil {
		s.log.Error("devauthority.reset_email.token.fail", "err", err)
		writeFail(w, http.StatusInternalServerError, msgServerError)
		return
	}
	exp := s.now().Add(s.cfg.ResetTTL)
	s.dir.openReset(s.tokens.Sum(tok), u.identity.ID, exp)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.mail.SendReset(ctx, ResetMessage{Email: u.identity.Email, Token: tok, ExpiresAt: exp}); err != nil {
		s.log.Error("devauthority.reset_email.send.fail", "err", err, "user_id", u.identity.ID)
		writeFail(w, http.StatusInternalServerError, msgServerError)
		return
	}
	writeData(w, nil)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req authority.ResetPasswordRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeFail(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	// Policy first so a weak password does not burn the token.
	if err := s.cfg.Password.Validate(req.Password); err != nil {
		var pe *password.PolicyError
		if errors.As(err, &pe) {
			writeFail(w, http.StatusBadRequest, pe.Message())
			return
		}
		writeFail(w, http.StatusBadRequest, msgInvalidRequest)
		return
	}

	userID, err := s.dir.consumeReset(s.tokens.Sum(strings.TrimSpace(req.Token)), s.now())
	if err != nil {
		writeFail(w, http.StatusBadRequest, msgResetInvalid)
		return
	}

	h, err := s.cfg.Password.Hash(req.Password)
	if err != nil {
		s.log.Error("devauthority.reset_password.hash.fail", "err", err)
		writeFail(w, http.StatusInternalServerError, msgServerError)
		return
	}
	if err := s.dir.setHash(userID, h); err != nil {
		writeFail(w, http.StatusBadRequest, msgResetInvalid)
		return
	}
	s.dir.closeUserSessions(userID)

	s.log.Info("devauthority.reset_password.ok", "user_id", userID)
	writeData(w, nil)
}
