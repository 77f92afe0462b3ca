// Package origin implements the Origin allowlist shared by the websocket
// gateway and the mutating session API routes.
package origin

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// ErrMissing is returned by Policy.Check when an Origin header is required
// but absent.
var ErrMissing = errors.New("missing origin")

// Policy decides which request origins are accepted.
type Policy struct {
	// Allowed lists accepted origins. "*" allows any origin. An entry
	// matches either the full origin or its host.
	Allowed []string
	// Required rejects requests that carry no Origin header.
	Required bool
}

// Check reports why r's Origin is not acceptable, or nil.
func (p Policy) Check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.Required {
			return ErrMissing
		}
		return nil
	}
	if len(p.Allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}
	if !Allowed(origin, p.Allowed) {
		return fmt.Errorf("origin not allowed: %s", origin)
	}
	return nil
}

// Allowed reports whether origin matches an allowlist entry.
func Allowed(origin string, allowlist []string) bool {
	originHost := Host(origin)

	for _, a := range allowlist {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" || origin == a {
			return true
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == Host(a) {
			return true
		}
	}
	return false
}

// Host returns the lower-cased host of an origin or host[:port] string.
func Host(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// Patterns returns the sorted, distinct hosts of the allowlist. A "*" entry
// maps to the "*" pattern.
func Patterns(allowlist []string) []string {
	seen := make(map[string]struct{}, len(allowlist))

	for _, a := range allowlist {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := Host(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
