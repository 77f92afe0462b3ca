package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	kratos "github.com/ory/kratos-client-go"

	"warden/cmd/identity"
)

// KratosConfig configures KratosAuthority.
type KratosConfig struct {
	// PublicURL is the Kratos public API root.
	PublicURL string
	// Timeout bounds each HTTP exchange. Zero means 10s.
	Timeout time.Duration
	// Client overrides the HTTP client used by the generated API client.
	Client *http.Client
	// Credentials persists the session token across restarts. Nil keeps it
	// in memory only.
	Credentials CredentialStore
	// Log receives credential persistence failures. Nil uses slog.Default().
	Log *slog.Logger
}

// KratosAuthority drives Ory Kratos native (API) self-service flows.
//
// The session token returned by a native login is written to the credential
// store and restored before the first call after a restart.
// Numeric identity IDs are read from metadata_public.id; email and name from traits.
//
// ResetPassword expects the privileged session token issued at the end of a
// recovery flow and submits a settings flow with it.
type KratosAuthority struct {
	api   *kratos.APIClient
	creds *credentialSlot

	mu    sync.Mutex
	token string
}

// NewKratosAuthority validates cfg and builds the adapter.
func NewKratosAuthority(cfg KratosConfig) (*KratosAuthority, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.PublicURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("authority: invalid kratos public url %q", cfg.PublicURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	conf := kratos.NewConfiguration()
	conf.Servers = kratos.ServerConfigurations{{URL: strings.TrimRight(u.String(), "/")}}
	conf.HTTPClient = client
	conf.AddDefaultHeader("Accept", "application/json")

	return &KratosAuthority{
		api:   kratos.NewAPIClient(conf),
		creds: newCredentialSlot(cfg.Credentials, cfg.Log, timeout),
	}, nil
}

// sessionToken returns the current token, restoring a stored one first.
func (k *KratosAuthority) sessionToken(ctx context.Context) (string, error) {
	err := k.creds.loadOnce(ctx, func(raw []byte) {
		k.mu.Lock()
		if k.token == "" {
			k.token = string(raw)
		}
		k.mu.Unlock()
	})
	if err != nil {
		return "", err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.token, nil
}

// setSessionToken replaces the token and writes it through. An empty token
// clears the store.
func (k *KratosAuthority) setSessionToken(ctx context.Context, tok string) {
	k.mu.Lock()
	k.token = tok
	k.mu.Unlock()
	k.creds.save(ctx, []byte(tok))
}

func (k *KratosAuthority) WhoAmI(ctx context.Context) (identity.Identity, error) {
	tok, err := k.sessionToken(ctx)
	if err != nil {
		return identity.Identity{}, Transport(OpWhoAmI, fmt.Errorf("restore credential: %w", err))
	}
	if tok == "" {
		return identity.Identity{}, Unauthenticated(OpWhoAmI, "")
	}

	sess, resp, err := k.api.FrontendAPI.ToSession(ctx).XSessionToken(tok).Execute()
	if err != nil {
		aerr := classifyKratos(OpWhoAmI, resp, err)
		if aerr.Kind == KindUnauthenticated {
			k.setSessionToken(ctx, "")
		}
		return identity.Identity{}, aerr
	}
	if !sess.GetActive() {
		k.setSessionToken(ctx, "")
		return identity.Identity{}, Unauthenticated(OpWhoAmI, "session is not active")
	}
	if sess.Identity == nil {
		return identity.Identity{}, Transport(OpWhoAmI, errors.New("session without identity"))
	}
	return identityFromKratos(*sess.Identity)
}

func (k *KratosAuthority) Login(ctx context.Context, email, credential string) error {
	flow, resp, err := k.api.FrontendAPI.CreateNativeLoginFlow(ctx).Execute()
	if err != nil {
		return classifyKratos(OpLogin, resp, err)
	}

	body := kratos.UpdateLoginFlowWithPasswordMethodAsUpdateLoginFlowBody(&kratos.UpdateLoginFlowWithPasswordMethod{
		Method:     "password",
		Identifier: email,
		Password:   credential,
	})
	out, resp, err := k.api.FrontendAPI.UpdateLoginFlow(ctx).Flow(flow.Id).UpdateLoginFlowBody(body).Execute()
	if err != nil {
		return classifyKratos(OpLogin, resp, err)
	}

	tok := out.GetSessionToken()
	if tok == "" {
		return Transport(OpLogin, errors.New("native login returned no session token"))
	}
	k.setSessionToken(ctx, tok)
	return nil
}

func (k *KratosAuthority) Register(ctx context.Context, email, credential string) error {
	flow, resp, err := k.api.FrontendAPI.CreateNativeRegistrationFlow(ctx).Execute()
	if err != nil {
		return classifyKratos(OpRegister, resp, err)
	}

	body := kratos.UpdateRegistrationFlowWithPasswordMethodAsUpdateRegistrationFlowBody(&kratos.UpdateRegistrationFlowWithPasswordMethod{
		Method:   "password",
		Password: credential,
		Traits:   map[string]interface{}{"email": email},
	})
	_, resp, err = k.api.FrontendAPI.UpdateRegistrationFlow(ctx).Flow(flow.Id).UpdateRegistrationFlowBody(body).Execute()
	if err != nil {
		return classifyKratos(OpRegister, resp, err)
	}
	return nil
}

// Logout revokes the session token and forgets it on every path.
func (k *KratosAuthority) Logout(ctx context.Context) error {
	tok, err := k.sessionToken(ctx)
	if err != nil {
		k.setSessionToken(ctx, "")
		return Transport(OpLogout, fmt.Errorf("restore credential: %w", err))
	}
	if tok == "" {
		return nil
	}
	defer k.setSessionToken(ctx, "")

	resp, err := k.api.FrontendAPI.PerformNativeLogout(ctx).
		PerformNativeLogoutBody(kratos.PerformNativeLogoutBody{SessionToken: tok}).
		Execute()
	if err != nil {
		return classifyKratos(OpLogout, resp, err)
	}
	return nil
}

func (k *KratosAuthority) SendResetEmail(ctx context.Context, email string) error {
	flow, resp, err := k.api.FrontendAPI.CreateNativeRecoveryFlow(ctx).Execute()
	if err != nil {
		return classifyKratos(OpSendResetEmail, resp, err)
	}

	body := kratos.UpdateRecoveryFlowWithCodeMethodAsUpdateRecoveryFlowBody(&kratos.UpdateRecoveryFlowWithCodeMethod{
		Method: "code",
		Email:  &email,
	})
	out, resp, err := k.api.FrontendAPI.UpdateRecoveryFlow(ctx).Flow(flow.Id).UpdateRecoveryFlowBody(body).Execute()
	if err != nil {
		return classifyKratos(OpSendResetEmail, resp, err)
	}
	if msg := uiErrorText(out.Ui); msg != "" {
		return Rejected(OpSendResetEmail, msg)
	}
	return nil
}

func (k *KratosAuthority) ResetPassword(ctx context.Context, token, credential string) error {
	if strings.TrimSpace(token) == "" {
		return Rejected(OpResetPassword, "Reset token is required")
	}

	flow, resp, err := k.api.FrontendAPI.CreateNativeSettingsFlow(ctx).XSessionToken(token).Execute()
	if err != nil {
		return classifyKratos(OpResetPassword, resp, err)
	}

	body := kratos.UpdateSettingsFlowWithPasswordMethodAsUpdateSettingsFlowBody(&kratos.UpdateSettingsFlowWithPasswordMethod{
		Method:   "password",
		Password: credential,
	})
	_, resp, err = k.api.FrontendAPI.UpdateSettingsFlow(ctx).
		Flow(flow.Id).
		XSessionToken(token).
		UpdateSettingsFlowBody(body).
		Execute()
	if err != nil {
		return classifyKratos(OpResetPassword, resp, err)
	}
	return nil
}

// identityFromKratos maps a Kratos identity onto the local principal.
func identityFromKratos(ki kratos.Identity) (identity.Identity, error) {
	meta, _ := ki.GetMetadataPublic().(map[string]interface{})
	id, ok := numericID(meta["id"])
	if !ok {
		return identity.Identity{}, Transport(OpWhoAmI, fmt.Errorf("identity %s has no numeric metadata_public.id", ki.Id))
	}

	traits, _ := ki.GetTraits().(map[string]interface{})
	email, _ := traits["email"].(string)

	v, err := identity.New(id, traitName(traits["name"]), email, ki.GetCreatedAt())
	if err != nil {
		return identity.Identity{}, Transport(OpWhoAmI, err)
	}
	return v, nil
}

func numericID(raw interface{}) (int64, bool) {
	switch n := raw.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), n > 0
	case json.Number:
		v, err := n.Int64()
		return v, err == nil && v > 0
	case string:
		v, err := strconv.ParseInt(n, 10, 64)
		return v, err == nil && v > 0
	default:
		return 0, false
	}
}

// traitName accepts either a plain string or the {first,last} object of the
// default Kratos identity schema.
func traitName(raw interface{}) string {
	switch n := raw.(type) {
	case string:
		return n
	case map[string]interface{}:
		first, _ := n["first"].(string)
		last, _ := n["last"].(string)
		return strings.TrimSpace(first + " " + last)
	default:
		return ""
	}
}

// classifyKratos maps a generated-client failure onto an *Error.
func classifyKratos(op string, resp *http.Response, err error) *Error {
	if resp == nil {
		return Transport(op, err)
	}

	status := resp.StatusCode
	msg := ""
	var apiErr *kratos.GenericOpenAPIError
	if errors.As(err, &apiErr) {
		msg = kratosMessage(apiErr.Body())
	}

	switch {
	case op == OpWhoAmI && (status == http.StatusUnauthorized || status == http.StatusForbidden):
		return Unauthenticated(op, msg)
	case status >= 500:
		return Transport(op, err)
	case status >= 400:
		if msg == "" {
			msg = http.StatusText(status)
		}
		return Rejected(op, msg)
	default:
		return Transport(op, err)
	}
}

type kratosErrorBody struct {
	UI *struct {
		Messages []kratosUIText `json:"messages"`
		Nodes    []struct {
			Messages []kratosUIText `json:"messages"`
		} `json:"nodes"`
	} `json:"ui"`
	Error *struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	} `json:"error"`
}

type kratosUIText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// kratosMessage extracts the most specific user-facing text from an error body.
func kratosMessage(body []byte) string {
	var b kratosErrorBody
	if err := json.Unmarshal(body, &b); err != nil {
		return ""
	}
	if b.UI != nil {
		for _, m := range b.UI.Messages {
			if m.Type == "error" && m.Text != "" {
				return m.Text
			}
		}
		for _, n := range b.UI.Nodes {
			for _, m := range n.Messages {
				if m.Type == "error" && m.Text != "" {
					return m.Text
				}
			}
		}
	}
	if b.Error != nil {
		if b.Error.Reason != "" {
			return b.Error.Reason
		}
		return b.Error.Message
	}
	return ""
}

func uiErrorText(ui kratos.UiContainer) string {
	for _, m := range ui.Messages {
		if m.Type == "error" {
			return m.Text
		}
	}
	return ""
}
