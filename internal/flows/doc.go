// Package flows contains pure-function orchestrators for every Engine operation.
//
// Each flow function (RunLogin, RunRefresh, RunValidate, RunAuthorize, etc.)
// accepts a typed dependency struct and returns results without side-effects
// beyond those dependencies. The Engine type stays a thin adapter that maps
// flow results onto its own error kinds, metrics and audit events.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the refresh ledger, user store, JWT
// manager, permission cache, rate limiter, audit dispatcher and metrics. They
// do NOT own any of these resources; ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import rbacauth (to avoid import cycles).
//   - Perform I/O directly. All I/O is mediated through dependency functions
//     and interfaces.
package flows
