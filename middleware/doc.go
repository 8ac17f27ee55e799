// Package middleware adapts rbacauth.Engine to net/http.
//
// # Guards
//
//   - [Authenticate] verifies the access token from the Authorization header
//     or the "access" cookie and stores the principal in the request context.
//   - [RequireFeaturePermission] allows the request only when the principal
//     holds the required bits on a feature; the bit defaults to the one
//     mapped from the HTTP method.
//   - [RequireCSRFHeader] rejects cookie-authenticated mutating requests
//     that do not carry an X-CSRF-Token header.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. Token parsing,
// permission lookups and every allow/deny decision stay in the Engine.
package middleware
