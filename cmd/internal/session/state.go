package session

import "warden/cmd/identity"

// Phase is the lifecycle position of a Machine. It only moves forward.
type Phase int

const (
	PhaseHydrating Phase = iota
	PhaseVerifying
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseHydrating:
		return "hydrating"
	case PhaseVerifying:
		return "verifying"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// State is an immutable view of the session.
type State struct {
	// Identity is nil when nobody is signed in.
	Identity *identity.Identity
	Phase    Phase
}

// Authenticated reports whether an identity is present.
func (s State) Authenticated() bool { return s.Identity != nil }

// Resolving reports whether startup reconciliation is still pending.
func (s State) Resolving() bool {
	return s.Phase == PhaseHydrating || s.Phase == PhaseVerifying
}

// Equal reports value equality of two states.
func (s State) Equal(o State) bool {
	return s.Phase == o.Phase && identity.EqualPtr(s.Identity, o.Identity)
}

func withIdentity(v *identity.Identity) *identity.Identity {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
