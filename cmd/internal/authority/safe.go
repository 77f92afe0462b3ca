package authority

import (
	"context"
	"fmt"

	"warden/cmd/identity"
)

// Safe wraps next so that:
//   - panics are recovered and reported as transport errors,
//   - untyped errors are reported as transport errors,
//   - WhoAmI never returns an identity that fails validation.
func Safe(next Authority) Authority {
	if s, ok := next.(safeAuthority); ok {
		return s
	}
	return safeAuthority{next: next}
}

type safeAuthority struct {
	next Authority
}

func recoverAs(op string, errp *error) {
	if r := recover(); r != nil {
		*errp = Transport(op, fmt.Errorf("panic: %v", r))
	}
}

func (s safeAuthority) WhoAmI(ctx context.Context) (v identity.Identity, err error) {
	defer func() {
		if err != nil {
			v = identity.Identity{}
		}
	}()
	defer recoverAs(OpWhoAmI, &err)

	v, err = s.next.WhoAmI(ctx)
	if err != nil {
		return identity.Identity{}, normalize(OpWhoAmI, err)
	}
	if verr := v.Validate(); verr != nil {
		return identity.Identity{}, Transport(OpWhoAmI, fmt.Errorf("malformed identity: %w", verr))
	}
	return v, nil
}

func (s safeAuthority) Login(ctx context.Context, email, credential string) (err error) {
	defer recoverAs(OpLogin, &err)
	return normalize(OpLogin, s.next.Login(ctx, email, credential))
}

func (s safeAuthority) Register(ctx context.Context, email, credential string) (err error) {
	defer recoverAs(OpRegister, &err)
	return normalize(OpRegister, s.next.Register(ctx, email, credential))
}

func (s safeAuthority) Logout(ctx context.Context) (err error) {
	defer recoverAs(OpLogout, &err)
	return normalize(OpLogout, s.next.Logout(ctx))
}

func (s safeAuthority) SendResetEmail(ctx context.Context, email string) (err error) {
	defer recoverAs(OpSendResetEmail, &err)
	return normalize(OpSendResetEmail, s.next.SendResetEmail(ctx, email))
}

func (s safeAuthority) ResetPassword(ctx context.Context, token, credential string) (err error) {
	defer recoverAs(OpResetPassword, &err)
	return normalize(OpResetPassword, s.next.ResetPassword(ctx, token, credential))
}
