package sessionapi

import (
	"warden/cmd/internal/session"
	v1 "warden/shared/contracts/session/v1"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resetEmailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// Payload converts a session state into its wire form. The same shape is
// served by GET /session and pushed over the websocket bridge.
func Payload(st session.State) v1.SessionStatePayload {
	out := v1.SessionStatePayload{
		Authenticated: st.Authenticated(),
		Resolving:     st.Resolving(),
		Phase:         st.Phase.String(),
	}
	if st.Identity != nil {
		out.Identity = &v1.IdentityPayload{
			ID:        st.Identity.ID,
			Name:      st.Identity.Name,
			Email:     st.Identity.Email,
			CreatedAt: st.Identity.CreatedAt,
		}
	}
	return out
}
