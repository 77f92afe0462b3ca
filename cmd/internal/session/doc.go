// Package session reconciles the locally persisted identity with the remote
// identity authority.
//
// Machine owns the in-memory session and the snapshot store. On Start it
// hydrates synchronously from the snapshot (optimistic read), then verifies
// once against the authority in the background. A generation counter bumped
// by login and logout discards asynchronous answers that arrive after a newer
// intent.
//
// Facade is the surface for views: read accessors, change subscriptions and
// the mutating operations, returning user-facing *Failure values.
package session
