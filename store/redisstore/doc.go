// Package redisstore implements refresh.Ledger and permission.CacheStore on
// Redis. Every multi-key mutation runs as a Lua script, so each call is one
// atomic step from the point of view of other clients.
//
// Key layout, with <p> the configured prefix:
//
//	<p>:rt:seq           ledger id sequence
//	<p>:rt:<id>          ledger row {uid, hash, exp, rev, created}
//	<p>:rth:<hash>       digest -> id
//	<p>:rtu:<uid>        set of ids owned by uid
//	<p>:pc:<role>:m      feature id -> mask
//	<p>:pc:<role>:k      feature id -> feature key
//	<p>:pc:<role>:s      {gen, computed}
//	<p>:pcf:<feature>    set of roles holding an entry for feature
package redisstore
