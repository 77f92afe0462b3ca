package authority

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CredentialStore keeps the opaque credential that binds an adapter to its
// remote session, so the session outlives the process. snapshot.Store
// satisfies it.
type CredentialStore interface {
	Read(ctx context.Context) (payload []byte, ok bool, err error)
	Write(ctx context.Context, payload []byte) error
	Clear(ctx context.Context) error
}

// credentialSlot loads a stored credential once and writes changes through.
// A nil store makes every method a no-op.
type credentialSlot struct {
	store   CredentialStore
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	loaded bool
}

func newCredentialSlot(store CredentialStore, log *slog.Logger, timeout time.Duration) *credentialSlot {
	if log == nil {
		log = slog.Default()
	}
	return &credentialSlot{store: store, log: log, timeout: timeout}
}

// loadOnce calls apply with the stored credential on the first successful
// read. A read error is returned and retried on the next call.
func (s *credentialSlot) loadOnce(ctx context.Context, apply func([]byte)) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	sctx, cancel := s.ctx(ctx)
	defer cancel()
	raw, ok, err := s.store.Read(sctx)
	if err != nil {
		return err
	}
	s.loaded = true
	if ok {
		apply(raw)
	}
	return nil
}

// save stores raw, or clears the slot when raw is empty. Failures are logged:
// the remote call they follow has already succeeded.
func (s *credentialSlot) save(ctx context.Context, raw []byte) {
	if s.store == nil {
		return
	}
	if len(raw) == 0 {
		s.clear(ctx)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sctx, cancel := s.ctx(ctx)
	defer cancel()
	if err := s.store.Write(sctx, raw); err != nil {
		s.log.Warn("authority.credential.save.fail", "err", err)
	}
	s.loaded = true
}

func (s *credentialSlot) clear(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sctx, cancel := s.ctx(ctx)
	defer cancel()
	if err := s.store.Clear(sctx); err != nil {
		s.log.Warn("authority.credential.clear.fail", "err", err)
	}
	s.loaded = true
}

func (s *credentialSlot) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}
