// Package refresh defines the opaque refresh credential and the ledger that
// records every credential ever issued.
//
// A credential is "<id>.<secret>", where id is the decimal ledger row id and
// secret is 32 random bytes in unpadded base64url. Only the SHA-256 hex digest
// of the secret is persisted. Credentials without a '.' are legacy bare
// secrets, located by digest alone.
//
// Ledger implementations live in store/redisstore and store/pgstore. Rotate
// must be atomic: of any number of concurrent rotations of one row, exactly
// one observes it unrevoked.
package refresh
