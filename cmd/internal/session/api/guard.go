package sessionapi

import (
	"mime"
	"net/http"

	"warden/cmd/internal/origin"
)

// guard rejects mutating requests from foreign origins and requests that are
// not JSON. Browsers cannot send a cross-site application/json POST without a
// preflight, which this API never answers.
func (h *Handler) guard(next http.Handler) http.Handler {
	policy := origin.Policy{Allowed: h.cfg.AllowedOrigins, Required: h.cfg.OriginRequired}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := policy.Check(r); err != nil {
			h.log.Warn("sessionapi.origin.reject", "path", r.URL.Path, "origin", r.Header.Get("Origin"), "err", err)
			writeError(w, http.StatusForbidden, "forbidden_origin", "Origin not allowed")
			return
		}
		if !isJSON(r.Header.Get("Content-Type")) {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
