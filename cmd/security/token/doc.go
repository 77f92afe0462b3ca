// Package token mints opaque bearer tokens and hashes them for storage.
//
// Tokens are never stored in clear: the development authority keeps
// Hasher.Sum(token) and compares digests. With a key configured the digest is
// HMAC-SHA256, otherwise plain SHA-256.
//
// Environment:
//   - WARDEN_TOKEN_HMAC_KEY: when set, enables HMAC mode.
package token
