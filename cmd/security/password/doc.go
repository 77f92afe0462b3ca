// Package password hashes and verifies credentials held by the development
// authority.
//
// Hashes use Argon2id in the PHC string format
// ($argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<key>). Encoded hashes are
// treated as untrusted input: Verify refuses parameters far above the
// configured cost.
package password
