// Package snapshot persists the last-known identity of the session across
// process restarts.
//
// A snapshot is a pair: the identity payload (stored under "auth_user") and a
// presence flag (stored under "is_authenticated"). Every backend writes and
// clears the pair atomically; a half-present pair found on read is reported
// as ErrCorrupt and ErrTorn so the caller can self-heal.
//
// Backends:
//   - FileStore: single JSON container file, replaced by rename.
//   - RedisStore: two keys written in one MULTI/EXEC.
//   - PostgresStore: one row per profile.
//   - MemoryStore: process-local, for tests.
package snapshot
