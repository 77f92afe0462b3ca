// Package devauthority is an in-process identity authority speaking the same
// JSON-over-HTTP contract that authority.HTTPClient consumes.
//
// It exists for local development and for end-to-end tests of the session
// machine. Users live in memory (optionally seeded from YAML); credentials are
// Argon2id hashes; session cookies and reset tokens are stored as digests.
package devauthority
