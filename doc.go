// Package rbacauth provides session authentication with short-lived signed
// access tokens, rotating opaque refresh credentials with reuse detection,
// and role-based authorization over per-feature CRUD bitmasks.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// rbacauth is the public surface. It exposes [Engine], [Builder], [Config],
// the [ErrorKind] enumeration and value types. Flow orchestration, rate
// limiting, audit dispatch and metrics storage live under internal/.
// Storage implementations live under store/ and are injected through the
// Builder; the Engine holds no process-wide state.
//
// # Sessions
//
// A login issues an access token carrying the user's token-version and a
// refresh credential of the form "<id>.<secret>". Only a SHA-256 digest of
// the secret is stored. Each refresh revokes the presented credential and
// records its successor in one atomic step, so a credential can be used at
// most once. Presenting a spent credential revokes every live credential of
// its owner.
//
// Bumping a user's token-version ends every access token issued before the
// bump without touching the ledger. Password changes do both.
//
// # Authorization
//
// Each role grants permissions; each permission names a feature and a bit
// value. The effective mask of a user on a feature is the OR of every grant
// across the user's roles. Masks are materialized per role by a
// read-through cache and kept current by the OnGrant, OnRevoke and
// OnPermissionDeleted hooks. Authorize fails closed: any lookup error or
// timeout denies.
package rbacauth
