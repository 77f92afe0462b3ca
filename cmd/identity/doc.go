// Package identity defines warden's authenticated principal.
//
// An Identity is an immutable value: a changed principal is a new value,
// never a mutation of an existing one. The package also owns validation of
// identity records coming from untrusted sources (the persisted snapshot and
// remote authority responses).
package identity
