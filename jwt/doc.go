// Package jwt issues and verifies the short-lived access tokens handed out by
// the session engine. A token names its subject user and the token-version the
// user had when it was signed; comparing that version against the store is the
// caller's job.
package jwt
