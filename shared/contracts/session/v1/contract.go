// Package v1 defines the warden session push protocol v1.
//
// It is shared between the websocket bridge and its clients and depends on
// the standard library only.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated for this contract.
const Subprotocol = "warden.session.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts the handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSessionState carries the current session state (server -> client).
	TypeSessionState = "session_state"
	// TypeSessionRefresh asks the server to re-check the identity (client -> server).
	TypeSessionRefresh = "session_refresh"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Phase names used in SessionStatePayload.
const (
	PhaseHydrating = "hydrating"
	PhaseVerifying = "verifying"
	PhaseSettled   = "settled"
)

// Error codes used in ErrorPayload.
const (
	CodeBadRequest      = "bad_request"
	CodeUnsupported     = "unsupported"
	CodeRateLimited     = "rate_limited"
	CodeUnauthenticated = "unauthenticated"
	CodeUnavailable     = "unavailable"
	CodeSuperseded      = "superseded"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSessionState,
		TypeSessionRefresh,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to start a connection.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload carries the server-assigned connection id.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
}

// IdentityPayload is the public part of an identity.
type IdentityPayload struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStatePayload is pushed on connect and on every session change.
// Identity is nil when nobody is signed in.
type SessionStatePayload struct {
	Authenticated bool             `json:"authenticated"`
	Resolving     bool             `json:"resolving"`
	Phase         string           `json:"phase"`
	Identity      *IdentityPayload `json:"identity"`
}

// SessionRefreshPayload has no fields.
type SessionRefreshPayload struct{}

// ErrorPayload is returned for rejected client envelopes and failed refreshes.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
