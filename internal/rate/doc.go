// Package rate implements fixed-window Redis counters for login and refresh
// throttling.
//
// Windows are INCR plus EXPIRE on the first hit. Keys, under the configured
// prefix:
//   - al:<identifier>  failed logins per identifier
//   - ali:<ip>         failed logins per client IP
//   - ar:<ip>          refresh attempts per client IP
package rate
