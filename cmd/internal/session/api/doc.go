// Package sessionapi exposes the session Facade as JSON over HTTP for
// presentational views.
//
// Failures carry the Facade's user-facing message unchanged; the HTTP status
// reflects the failure kind.
package sessionapi
