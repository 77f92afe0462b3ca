package session

import (
	"context"
	"fmt"

	"warden/cmd/identity"
	"warden/cmd/internal/authority"
)

// Facade is the read and command surface handed to views.
//
// Operations return nil or a *Failure whose Error() is the message to show.
// Logout cannot fail from the caller's point of view and returns nothing.
type Facade struct {
	m *Machine
}

// NewFacade wraps m.
func NewFacade(m *Machine) *Facade {
	return &Facade{m: m}
}

// Identity returns the current identity, if any.
func (f *Facade) Identity() (identity.Identity, bool) {
	st := f.m.State()
	if st.Identity == nil {
		return identity.Identity{}, false
	}
	return *st.Identity, true
}

// IsAuthenticated reports whether an identity is present.
func (f *Facade) IsAuthenticated() bool { return f.m.State().Authenticated() }

// IsResolving reports whether startup reconciliation is still pending.
func (f *Facade) IsResolving() bool { return f.m.State().Resolving() }

// State returns a snapshot of the session.
func (f *Facade) State() State { return f.m.State() }

// Subscribe returns a latest-wins stream of states, starting with the current one.
func (f *Facade) Subscribe() *Subscription { return f.m.Subscribe() }

// Settled returns a channel closed once startup reconciliation finished.
func (f *Facade) Settled() <-chan struct{} { return f.m.Settled() }

func (f *Facade) Login(ctx context.Context, email, credential string) (err error) {
	defer guard(authority.OpLogin, &err)
	return toFailure(authority.OpLogin, f.m.Login(ctx, email, credential))
}

func (f *Facade) Register(ctx context.Context, email, credential string) (err error) {
	defer guard(authority.OpRegister, &err)
	return toFailure(authority.OpRegister, f.m.Register(ctx, email, credential))
}

func (f *Facade) Logout(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.m.log.Error("session.logout.panic", "panic", fmt.Sprint(r))
		}
	}()
	f.m.Logout(ctx)
}

func (f *Facade) SendResetEmail(ctx context.Context, email string) (err error) {
	defer guard(authority.OpSendResetEmail, &err)
	return toFailure(authority.OpSendResetEmail, f.m.SendResetEmail(ctx, email))
}

func (f *Facade) ResetPassword(ctx context.Context, token, credential string) (err error) {
	defer guard(authority.OpResetPassword, &err)
	return toFailure(authority.OpResetPassword, f.m.ResetPassword(ctx, token, credential))
}

// Refresh re-checks the identity with the authority.
func (f *Facade) Refresh(ctx context.Context) (err error) {
	defer guard(opRefresh, &err)
	return toFailure(opRefresh, f.m.Refresh(ctx))
}

func guard(op string, errp *error) {
	if r := recover(); r != nil {
		*errp = toFailure(op, authority.Transport(op, fmt.Errorf("panic: %v", r)))
	}
}
