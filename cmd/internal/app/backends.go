package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"warden/cmd/internal/authority"
	"warden/cmd/internal/devauthority"
	"warden/cmd/internal/snapshot"
	"warden/cmd/security/password"

	"go.opentelemetry.io/otel/trace"
)

// devAuthorityPrefix is where the development authority is mounted.
const devAuthorityPrefix = "/authority"

// openStores builds the configured snapshot backend and, on the same backend,
// the slot holding the authority credential. Resources it opens are registered
// on a for release at shutdown.
func (a *App) openStores(ctx context.Context) (snapshot.Store, snapshot.Store, error) {
	credProfile := snapshot.CredentialName(a.cfg.SnapshotProfile)

	switch a.cfg.SnapshotBackend {
	case BackendMemory:
		a.log.Warn("snapshot.memory", "note", "session is not persisted across restarts")
		return snapshot.NewMemoryStore(), snapshot.NewMemoryStore(), nil

	case BackendFile:
		st, err := snapshot.NewFileStore(a.cfg.SnapshotPath)
		if err != nil {
			return nil, nil, err
		}
		creds, err := snapshot.NewFileStore(snapshot.CredentialName(st.Path()))
		if err != nil {
			return nil, nil, err
		}
		a.log.Info("snapshot.file", "path", st.Path(), "credential_path", creds.Path())
		return st, creds, nil

	case BackendRedis:
		st, err := snapshot.OpenRedisStore(ctx, a.cfg.RedisAddr, a.cfg.SnapshotProfile)
		if err != nil {
			return nil, nil, err
		}
		a.onClose(func(context.Context) error { return st.Close() })
		creds, err := snapshot.NewRedisStore(st.Client(), credProfile)
		if err != nil {
			return nil, nil, err
		}
		a.log.Info("snapshot.redis", "addr", a.cfg.RedisAddr, "profile", a.cfg.SnapshotProfile)
		return st, creds, nil

	case BackendPostgres:
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres snapshot: %w", err)
		}
		a.onClose(func(context.Context) error { pool.Close(); return nil })

		st, err := snapshot.NewPostgresStore(pool, a.cfg.SnapshotProfile)
		if err != nil {
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("postgres snapshot schema: %w", err)
		}
		creds, err := snapshot.NewPostgresStore(pool, credProfile)
		if err != nil {
			return nil, nil, err
		}
		a.log.Info("snapshot.postgres", "profile", a.cfg.SnapshotProfile)
		return st, creds, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown snapshot backend %q", ErrConfig, a.cfg.SnapshotBackend)
}

// openAuthority builds the configured authority adapter. In dev mode the
// development authority is mounted on mux and reached over loopback through
// the regular HTTP client.
func (a *App) openAuthority(mux *http.ServeMux, tp trace.TracerProvider, creds authority.CredentialStore) (authority.Authority, error) {
	var (
		auth authority.Authority
		err  error
	)
	authLog := a.log.With(slog.String("component", "authority"))

	switch a.cfg.AuthorityMode {
	case AuthorityHTTP:
		auth, err = authority.NewHTTPClient(authority.HTTPConfig{
			BaseURL:     a.cfg.AuthorityURL,
			Timeout:     a.cfg.AuthorityTimeout,
			Credentials: creds,
			Log:         authLog,
		})

	case AuthorityKratos:
		auth, err = authority.NewKratosAuthority(authority.KratosConfig{
			PublicURL:   a.cfg.AuthorityURL,
			Timeout:     a.cfg.AuthorityTimeout,
			Credentials: creds,
			Log:         authLog,
		})

	case AuthorityDev:
		var dev *devauthority.Server
		dev, err = a.newDevAuthority()
		if err != nil {
			return nil, err
		}
		mux.Handle(devAuthorityPrefix+"/", http.StripPrefix(devAuthorityPrefix, dev.Handler()))

		base := "http://" + a.ln.Addr().String() + devAuthorityPrefix
		a.log.Warn("authority.dev", "url", base, "note", "development authority, not for production")
		auth, err = authority.NewHTTPClient(authority.HTTPConfig{
			BaseURL:     base,
			Timeout:     a.cfg.AuthorityTimeout,
			Credentials: creds,
			Log:         authLog,
		})

	default:
		err = fmt.Errorf("%w: unknown authority mode %q", ErrConfig, a.cfg.AuthorityMode)
	}
	if err != nil {
		return nil, err
	}
	return authority.WithTracing(auth, tp), nil
}

func (a *App) newDevAuthority() (*devauthority.Server, error) {
	hasher, err := devTokenHasher(a.cfg)
	if err != nil {
		return nil, err
	}

	cfg := devauthority.DefaultConfig()
	cfg.Password, err = password.FromEnv(cfg.Password)
	if err != nil {
		return nil, err
	}

	var mail devauthority.EmailSender = devauthority.LogEmailSender{Log: a.log}
	if a.devMail != nil {
		mail = a.devMail
	}

	dev, err := devauthority.New(a.log.With(slog.String("component", "devauthority")), cfg,
		devauthority.WithTokenHasher(hasher),
		devauthority.WithEmailSender(mail),
	)
	if err != nil {
		return nil, err
	}

	if path := strings.TrimSpace(a.cfg.DevUsersFile); path != "" {
		users, err := devauthority.LoadSeedFile(path)
		if err != nil {
			return nil, err
		}
		if err := dev.Seed(users); err != nil {
			return nil, err
		}
		a.log.Info("authority.dev.seeded", "users", len(users))
	}
	return dev, nil
}
