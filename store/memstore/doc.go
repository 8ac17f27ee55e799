// Package memstore holds process-local implementations of rbacauth.UserStore,
// rbacauth.GrantStore and refresh.Ledger. They suit single-instance
// deployments, demos and tests; nothing survives a restart.
package memstore
