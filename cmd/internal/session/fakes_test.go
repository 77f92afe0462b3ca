package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden/cmd/identity"
	"warden/cmd/internal/authority"
	"warden/cmd/internal/session"
	"warden/cmd/internal/snapshot"
)

var (
	created = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ann     = identity.Identity{ID: 7, Email: "a@x.com", CreatedAt: created}
	bob     = identity.Identity{ID: 8, Name: "Bob", Email: "b@x.com", CreatedAt: created}
)

type whoamiFn func(ctx context.Context) (identity.Identity, error)

// fakeAuthority is a scriptable Authority.
type fakeAuthority struct {
	mu       sync.Mutex
	whoami   whoamiFn
	loginErr error
	logout   func(ctx context.Context) error
	plainErr error
	calls    map[string]int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		whoami: func(context.Context) (identity.Identity, error) {
			return identity.Identity{}, authority.Unauthenticated(authority.OpWhoAmI, "")
		},
		logout: func(context.Context) error { return nil },
		calls:  make(map[string]int),
	}
}

func (f *fakeAuthority) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAuthority) setWhoAmI(fn whoamiFn) {
	f.mu.Lock()
	f.whoami = fn
	f.mu.Unlock()
}

func (f *fakeAuthority) WhoAmI(ctx context.Context) (identity.Identity, error) {
	f.mu.Lock()
	f.calls[authority.OpWhoAmI]++
	fn := f.whoami
	f.mu.Unlock()
	return fn(ctx)
}

func (f *fakeAuthority) Login(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[authority.OpLogin]++
	return f.loginErr
}

func (f *fakeAuthority) Register(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[authority.OpRegister]++
	return f.plainErr
}

func (f *fakeAuthority) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.calls[authority.OpLogout]++
	fn := f.logout
	f.mu.Unlock()
	return fn(ctx)
}

func (f *fakeAuthority) SendResetEmail(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[authority.OpSendResetEmail]++
	return f.plainErr
}

func (f *fakeAuthority) ResetPassword(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[authority.OpResetPassword]++
	return f.plainErr
}

// gate makes a WhoAmI that blocks until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gate) whoami(v identity.Identity, err error) whoamiFn {
	return func(ctx context.Context) (identity.Identity, error) {
		g.entered <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return identity.Identity{}, ctx.Err()
		}
		return v, err
	}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("whoami was not called")
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMachine(t *testing.T, store snapshot.Store, auth authority.Authority, opts ...session.Option) *session.Machine {
	t.Helper()
	opts = append([]session.Option{session.WithLogger(quietLogger())}, opts...)
	m, err := session.NewMachine(store, auth, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func seeded(t *testing.T, v identity.Identity) *snapshot.MemoryStore {
	t.Helper()
	st := snapshot.NewMemoryStore()
	payload, err := snapshot.Encode(v)
	require.NoError(t, err)
	require.NoError(t, st.Write(context.Background(), payload))
	return st
}

func stored(t *testing.T, st snapshot.Store) (identity.Identity, bool) {
	t.Helper()
	payload, ok, err := st.Read(context.Background())
	require.NoError(t, err)
	if !ok {
		return identity.Identity{}, false
	}
	v, err := snapshot.Decode(payload)
	require.NoError(t, err)
	return v, true
}

func waitSettled(t *testing.T, m interface{ Settled() <-chan struct{} }) {
	t.Helper()
	select {
	case <-m.Settled():
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not settle")
	}
}

// failingStore fails every call with err.
type failingStore struct{ err error }

func (s failingStore) Read(context.Context) ([]byte, bool, error) { return nil, false, s.err }
func (s failingStore) Write(context.Context, []byte) error        { return s.err }
func (s failingStore) Clear(context.Context) error                { return s.err }

var errBackendDown = errors.New("backend down")
