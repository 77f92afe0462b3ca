package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/cmd/identity"
	"warden/cmd/internal/session"
	"warden/cmd/internal/snapshot"
)

func recv(t *testing.T, sub *session.Subscription) session.State {
	t.Helper()
	select {
	case st, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("no state delivered")
		return session.State{}
	}
}

func TestSubscribe_DeliversCurrentState(t *testing.T) {
	m := newMachine(t, snapshot.NewMemoryStore(), newFakeAuthority())
	sub := m.Subscribe()
	defer sub.Close()

	assert.NotEmpty(t, sub.ID())
	st := recv(t, sub)
	assert.Equal(t, session.PhaseHydrating, st.Phase)
}

func TestSubscribe_LatestWins(t *testing.T) {
	store := snapshot.NewMemoryStore()
	auth := newFakeAuthority()
	m := newMachine(t, store, auth)
	sub := m.Subscribe()
	defer sub.Close()

	m.Start(context.Background())
	waitSettled(t, m)
	auth.setWhoAmI(func(context.Context) (identity.Identity, error) { return ann, nil })
	require.NoError(t, m.Login(context.Background(), "a@x.com", "pw"))
	m.Logout(context.Background())
	require.NoError(t, m.Login(context.Background(), "a@x.com", "pw"))

	st := recv(t, sub)
	require.NotNil(t, st.Identity)
	assert.Equal(t, ann.ID, st.Identity.ID)
	assert.Equal(t, session.PhaseSettled, st.Phase)

	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected pending state %+v", extra)
	default:
	}
}

func TestSubscribe_NoNotificationWithoutChange(t *testing.T) {
	store := seeded(t, ann)
	auth := newFakeAuthority()
	auth.setWhoAmI(func(context.Context) (identity.Identity, error) { return ann, nil })
	m := newMachine(t, store, auth)
	m.Start(context.Background())
	waitSettled(t, m)

	sub := m.Subscribe()
	defer sub.Close()
	recv(t, sub)

	require.NoError(t, m.Refresh(context.Background()))
	select {
	case st := <-sub.C():
		t.Fatalf("unexpected notification %+v", st)
	default:
	}
}

func TestSubscribe_StatesAreCopies(t *testing.T) {
	store := seeded(t, ann)
	auth := newFakeAuthority()
	auth.setWhoAmI(func(context.Context) (identity.Identity, error) { return ann, nil })
	m := newMachine(t, store, auth)
	m.Start(context.Background())
	waitSettled(t, m)

	sub := m.Subscribe()
	defer sub.Close()
	st := recv(t, sub)
	require.NotNil(t, st.Identity)
	st.Identity.Email = "mallory@x.com"

	assert.Equal(t, ann.Email, m.State().Identity.Email)
}

func TestSubscribe_CloseIsIdempotent(t *testing.T) {
	m := newMachine(t, snapshot.NewMemoryStore(), newFakeAuthority())
	sub := m.Subscribe()
	recv(t, sub)

	sub.Close()
	sub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)

	m.Start(context.Background())
	waitSettled(t, m)
}

func TestSubscribe_MachineCloseEndsSubscriptions(t *testing.T) {
	m := newMachine(t, snapshot.NewMemoryStore(), newFakeAuthority())
	a := m.Subscribe()
	b := m.Subscribe()
	assert.NotEqual(t, a.ID(), b.ID())

	m.Close()
	for _, sub := range []*session.Subscription{a, b} {
		for range sub.C() {
		}
	}

	late := m.Subscribe()
	_, ok := <-late.C()
	assert.False(t, ok)
	late.Close()
}
