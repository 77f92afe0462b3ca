package authority

import (
	"context"

	"warden/cmd/identity"
)

// Operation names used in errors, logs and spans.
const (
	OpWhoAmI         = "whoami"
	OpLogin          = "login"
	OpRegister       = "register"
	OpLogout         = "logout"
	OpSendResetEmail = "send_reset_email"
	OpResetPassword  = "reset_password"
)

// Authority is the remote service that decides who the current user is.
type Authority interface {
	// WhoAmI returns the identity bound to the current remote session.
	WhoAmI(ctx context.Context) (identity.Identity, error)
	Login(ctx context.Context, email, credential string) error
	Register(ctx context.Context, email, credential string) error
	// Logout ends the remote session. Local state is cleared regardless of the result.
	Logout(ctx context.Context) error
	SendResetEmail(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, credential string) error
}
