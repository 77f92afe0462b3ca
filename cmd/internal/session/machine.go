package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"warden/cmd/identity"
	"warden/cmd/identity/ids"
	"warden/cmd/internal/authority"
	"warden/cmd/internal/snapshot"
)

const (
	opRefresh = "refresh"

	sourceStartup = "startup"
	sourceLogin   = "login"
	sourceRefresh = "refresh"
)

// Machine owns the in-memory session and the snapshot store.
//
// Authority calls run without holding mu. State transitions, persistence and
// notification run under mu, so mutations are serialized.
type Machine struct {
	log     *slog.Logger
	store   snapshot.Store
	auth    authority.Authority
	metrics *Metrics

	verifyTimeout time.Duration
	storeTimeout  time.Duration

	mu    sync.Mutex
	state State
	// gen is bumped by every applied login and every logout start.
	gen uint64
	// loginGen is the generation at which the newest login applied.
	loginGen uint64
	// loginsInFlight counts Login calls between their start and their apply.
	loginsInFlight int
	subs           map[string]*Subscription
	closed         bool

	startOnce  sync.Once
	settleOnce sync.Once
	settled    chan struct{}
	verifyDone chan struct{}
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger. Nil uses slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// WithVerifyTimeout bounds the startup verification call. Default 30s.
func WithVerifyTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.verifyTimeout = d
		}
	}
}

// WithStoreTimeout bounds each snapshot store call. Default 5s.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.storeTimeout = d
		}
	}
}

// NewMachine builds a Machine in PhaseHydrating. The authority is wrapped with
// authority.Safe.
func NewMachine(store snapshot.Store, auth authority.Authority, opts ...Option) (*Machine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil snapshot store", ErrConfig)
	}
	if auth == nil {
		return nil, fmt.Errorf("%w: nil authority", ErrConfig)
	}

	m := &Machine{
		log:           slog.Default(),
		store:         store,
		auth:          authority.Safe(auth),
		verifyTimeout: 30 * time.Second,
		storeTimeout:  5 * time.Second,
		state:         State{Phase: PhaseHydrating},
		subs:          make(map[string]*Subscription),
		settled:       make(chan struct{}),
		verifyDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(m)
	}
	m.metrics.observe(m.state)
	return m, nil
}

// Start hydrates from the snapshot synchronously and, unless the snapshot was
// corrupt, launches the one-shot background verification. Only the first call
// has an effect. ctx supplies values only; the verification is bounded by the
// verify timeout, not by ctx cancellation.
func (m *Machine) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		gen, verify := m.hydrate(ctx)
		if !verify {
			close(m.verifyDone)
			return
		}
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.verifyTimeout)
		go func() {
			defer close(m.verifyDone)
			defer cancel()
			m.verify(vctx, gen)
		}()
	})
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Identity: withIdentity(m.state.Identity), Phase: m.state.Phase}
}

// Settled returns a channel closed once the machine reaches PhaseSettled.
func (m *Machine) Settled() <-chan struct{} { return m.settled }

// Wait blocks until the startup verification goroutine has exited or ctx is done.
func (m *Machine) Wait(ctx context.Context) error {
	select {
	case <-m.verifyDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a subscriber. The current state is delivered immediately.
func (m *Machine) Subscribe() *Subscription {
	id, err := ids.NewULID(time.Now())
	if err != nil {
		id = fmt.Sprintf("sub-%d", time.Now().UnixNano())
	}
	sub := &Subscription{id: id, m: m, ch: make(chan State, 1)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}
	m.subs[id] = sub
	sub.offer(State{Identity: withIdentity(m.state.Identity), Phase: m.state.Phase})
	return sub
}

// Close ends every subscription. The session state is left as is.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, sub := range m.subs {
		sub.closeLocked()
	}
}

// ---- startup ----

func (m *Machine) hydrate(ctx context.Context) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sctx, cancel := m.storeCtx(ctx)
	payload, ok, err := m.store.Read(sctx)
	cancel()

	switch {
	case errors.Is(err, snapshot.ErrTorn):
		// Half a pair is no snapshot; the authority still decides.
		m.log.Warn("session.hydrate.torn", "err", err)
		m.clearStoreLocked(ctx)
		m.transitionLocked(nil, PhaseVerifying)
		return m.gen, true
	case errors.Is(err, snapshot.ErrCorrupt):
		m.selfHealLocked(ctx, err)
		return m.gen, false
	case err != nil:
		m.log.Error("session.hydrate.read.fail", "err", err)
		m.transitionLocked(nil, PhaseVerifying)
		return m.gen, true
	case !ok:
		m.log.Debug("session.hydrate.empty")
		m.transitionLocked(nil, PhaseVerifying)
		return m.gen, true
	}

	v, err := snapshot.Decode(payload)
	if err != nil {
		m.selfHealLocked(ctx, err)
		return m.gen, false
	}

	m.log.Info("session.hydrate.ok", "user_id", v.ID)
	m.transitionLocked(&v, PhaseVerifying)
	return m.gen, true
}

func (m *Machine) selfHealLocked(ctx context.Context, cause error) {
	m.log.Warn("session.hydrate.corrupt", "err", cause)
	m.metrics.reconciled(sourceStartup, OutcomeCorrupt)
	m.clearStoreLocked(ctx)
	m.transitionLocked(nil, PhaseSettled)
}

func (m *Machine) verify(ctx context.Context, gen uint64) {
	v, err := m.auth.WhoAmI(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		m.log.Info("session.verify.stale", "gen", gen, "current_gen", m.gen)
		m.metrics.stale(sourceStartup)
		m.metrics.reconciled(sourceStartup, OutcomeStale)
		m.transitionLocked(m.state.Identity, PhaseSettled)
		return
	}

	if err != nil {
		kind := authority.KindOf(err)
		if kind == authority.KindUnauthenticated {
			m.log.Info("session.verify.unauthenticated")
			m.metrics.reconciled(sourceStartup, OutcomeUnauthenticated)
		} else {
			m.log.Warn("session.verify.fail", "err", err, "timeout", authority.IsTimeout(err))
			m.metrics.reconciled(sourceStartup, OutcomeTransport)
		}
		m.clearStoreLocked(ctx)
		m.transitionLocked(nil, PhaseSettled)
		return
	}

	if m.state.Identity != nil && m.state.Identity.Equal(v) {
		m.log.Info("session.verify.confirmed", "user_id", v.ID)
		m.metrics.reconciled(sourceStartup, OutcomeConfirmed)
		m.transitionLocked(m.state.Identity, PhaseSettled)
		return
	}

	m.log.Info("session.verify.replaced", "user_id", v.ID)
	m.metrics.reconciled(sourceStartup, OutcomeReplaced)
	m.persistLocked(ctx, v)
	m.transitionLocked(&v, PhaseSettled)
}

// ---- operations ----

// Login authenticates with the authority, then adopts the identity returned by
// a follow-up WhoAmI. Local state changes only when both calls succeed.
func (m *Machine) Login(ctx context.Context, email, credential string) (err error) {
	defer func() { m.metrics.operation(authority.OpLogin, err) }()

	m.mu.Lock()
	gen := m.gen
	m.loginsInFlight++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.loginsInFlight--
		m.mu.Unlock()
	}()

	if err := m.auth.Login(ctx, email, credential); err != nil {
		m.log.Info("session.login.fail", "kind", authority.KindOf(err).String())
		return err
	}
	v, err := m.auth.WhoAmI(ctx)
	if err != nil {
		m.log.Warn("session.login.whoami.fail", "err", err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		// Overtaken. After a logout, end the remote session this login opened
		// unless another login may own it.
		revoke := m.loginGen <= gen && m.loginsInFlight == 1
		current := m.gen
		m.mu.Unlock()
		m.log.Info("session.login.stale", "gen", gen, "current_gen", current, "revoke", revoke)
		m.metrics.stale(sourceLogin)
		if revoke {
			m.revokeStaleLogin(ctx)
		}
		return ErrSuperseded
	}
	defer m.mu.Unlock()

	m.gen++
	m.loginGen = m.gen
	m.persistLocked(ctx, v)
	m.transitionLocked(&v, m.state.Phase)
	m.log.Info("session.login.ok", "user_id", v.ID, "gen", m.gen)
	return nil
}

func (m *Machine) revokeStaleLogin(ctx context.Context) {
	err := m.auth.Logout(context.WithoutCancel(ctx))
	m.metrics.operation(authority.OpLogout, err)
	if err != nil {
		m.log.Warn("session.login.stale.logout.fail", "err", err)
		return
	}
	m.log.Info("session.login.stale.logout.ok")
}

// Register forwards to the authority. Local state is never touched.
func (m *Machine) Register(ctx context.Context, email, credential string) error {
	err := m.auth.Register(ctx, email, credential)
	m.metrics.operation(authority.OpRegister, err)
	return err
}

// Logout records the sign-out intent, asks the authority to end the remote
// session and clears local state on every path. The remote result is only logged.
func (m *Machine) Logout(ctx context.Context) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.loginGen > gen {
			m.log.Info("session.logout.clear.skipped", "gen", gen, "login_gen", m.loginGen)
			return
		}
		m.clearStoreLocked(ctx)
		m.transitionLocked(nil, m.state.Phase)
	}()

	err := m.auth.Logout(ctx)
	m.metrics.operation(authority.OpLogout, err)
	if err != nil {
		m.log.Warn("session.logout.remote.fail", "err", err)
		return
	}
	m.log.Info("session.logout.ok", "gen", gen)
}

// SendResetEmail forwards to the authority.
func (m *Machine) SendResetEmail(ctx context.Context, email string) error {
	err := m.auth.SendResetEmail(ctx, email)
	m.metrics.operation(authority.OpSendResetEmail, err)
	return err
}

// ResetPassword forwards to the authority.
func (m *Machine) ResetPassword(ctx context.Context, token, credential string) error {
	err := m.auth.ResetPassword(ctx, token, credential)
	m.metrics.operation(authority.OpResetPassword, err)
	return err
}

// Refresh re-reads the identity from the authority. It never changes the phase.
//   - different identity: replaced and persisted
//   - unauthenticated: identity and snapshot cleared, error returned
//   - transport failure: state kept, error returned
func (m *Machine) Refresh(ctx context.Context) (err error) {
	defer func() { m.metrics.operation(opRefresh, err) }()

	gen := m.generation()
	v, werr := m.auth.WhoAmI(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		m.log.Info("session.refresh.stale", "gen", gen, "current_gen", m.gen)
		m.metrics.stale(sourceRefresh)
		m.metrics.reconciled(sourceRefresh, OutcomeStale)
		return ErrSuperseded
	}

	if werr != nil {
		if authority.KindOf(werr) == authority.KindUnauthenticated {
			m.log.Info("session.refresh.unauthenticated")
			m.metrics.reconciled(sourceRefresh, OutcomeUnauthenticated)
			if m.state.Identity != nil {
				m.clearStoreLocked(ctx)
			}
			m.transitionLocked(nil, m.state.Phase)
			return werr
		}
		m.log.Warn("session.refresh.fail", "err", werr)
		m.metrics.reconciled(sourceRefresh, OutcomeTransport)
		return werr
	}

	if m.state.Identity != nil && m.state.Identity.Equal(v) {
		m.metrics.reconciled(sourceRefresh, OutcomeConfirmed)
		return nil
	}

	m.log.Info("session.refresh.replaced", "user_id", v.ID)
	m.metrics.reconciled(sourceRefresh, OutcomeReplaced)
	m.persistLocked(ctx, v)
	m.transitionLocked(&v, m.state.Phase)
	return nil
}

// ---- internals (mu held) ----

func (m *Machine) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// storeCtx detaches store calls from caller cancellation so a cancelled
// request cannot leave memory and snapshot disagreeing.
func (m *Machine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.storeTimeout)
}

func (m *Machine) persistLocked(ctx context.Context, v identity.Identity) {
	payload, err := snapshot.Encode(v)
	if err != nil {
		m.log.Error("session.persist.encode.fail", "err", err, "user_id", v.ID)
		return
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.Write(sctx, payload); err != nil {
		m.log.Error("session.persist.fail", "err", err, "user_id", v.ID)
	}
}

func (m *Machine) clearStoreLocked(ctx context.Context) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.Clear(sctx); err != nil {
		m.log.Error("session.clear.fail", "err", err)
	}
}

// transitionLocked installs a new state and notifies subscribers when it
// differs from the current one. The phase never moves backwards.
func (m *Machine) transitionLocked(v *identity.Identity, phase Phase) {
	if phase < m.state.Phase {
		phase = m.state.Phase
	}
	next := State{Identity: withIdentity(v), Phase: phase}
	if next.Equal(m.state) {
		return
	}

	prev := m.state
	m.state = next
	m.metrics.observe(next)

	if next.Phase != prev.Phase {
		m.log.Debug("session.phase", "from", prev.Phase.String(), "to", next.Phase.String())
	}
	if next.Phase == PhaseSettled {
		m.settleOnce.Do(func() { close(m.settled) })
	}

	for _, sub := range m.subs {
		sub.offer(State{Identity: withIdentity(next.Identity), Phase: next.Phase})
	}
}
