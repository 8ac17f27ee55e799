package internaldefs

import "github.com/braybrandon/rbacauth"

// CounterDef names one exported counter.
type CounterDef struct {
	ID   rbacauth.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   rbacauth.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter fed from Engine.AuditDropped.
const (
	AuditDroppedName = "rbacauth_audit_dropped_total"
	AuditDroppedHelp = "Audit events dropped because the dispatcher buffer was full."
)

var CounterDefs = []CounterDef{
	{ID: rbacauth.MetricLoginSuccess, Name: "rbacauth_login_success_total", Help: "Successful logins."},
	{ID: rbacauth.MetricLoginFailure, Name: "rbacauth_login_failure_total", Help: "Failed logins."},
	{ID: rbacauth.MetricLoginRateLimited, Name: "rbacauth_login_rate_limited_total", Help: "Logins refused by the rate limiter."},
	{ID: rbacauth.MetricRefreshSuccess, Name: "rbacauth_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: rbacauth.MetricRefreshFailure, Name: "rbacauth_refresh_failure_total", Help: "Rejected refresh credentials."},
	{ID: rbacauth.MetricRefreshReuseDetected, Name: "rbacauth_refresh_reuse_detected_total", Help: "Replayed refresh credentials."},
	{ID: rbacauth.MetricRefreshRateLimited, Name: "rbacauth_refresh_rate_limited_total", Help: "Refreshes refused by the rate limiter."},
	{ID: rbacauth.MetricRefreshIssued, Name: "rbacauth_refresh_issued_total", Help: "Refresh credentials issued."},
	{ID: rbacauth.MetricLogout, Name: "rbacauth_logout_total", Help: "Single-credential logouts."},
	{ID: rbacauth.MetricLogoutAll, Name: "rbacauth_logout_all_total", Help: "Logout-all operations."},
	{ID: rbacauth.MetricTokenVersionBumped, Name: "rbacauth_token_version_bumped_total", Help: "Token-version increments."},
	{ID: rbacauth.MetricAccessTokenRejected, Name: "rbacauth_access_token_rejected_total", Help: "Rejected access tokens."},
	{ID: rbacauth.MetricAuthorizeAllowed, Name: "rbacauth_authorize_allowed_total", Help: "Authorization checks that passed."},
	{ID: rbacauth.MetricAuthorizeDenied, Name: "rbacauth_authorize_denied_total", Help: "Authorization checks that denied."},
	{ID: rbacauth.MetricAuthorizeLookupFailed, Name: "rbacauth_authorize_lookup_failed_total", Help: "Authorization checks denied because a lookup failed."},
	{ID: rbacauth.MetricPasswordChangeSuccess, Name: "rbacauth_password_change_success_total", Help: "Successful password changes."},
	{ID: rbacauth.MetricPasswordChangeFailure, Name: "rbacauth_password_change_failure_total", Help: "Failed password changes."},
	{ID: rbacauth.MetricCacheHit, Name: "rbacauth_permission_cache_hit_total", Help: "Role masks served from the permission cache."},
	{ID: rbacauth.MetricCacheMiss, Name: "rbacauth_permission_cache_miss_total", Help: "Role masks not found in the permission cache."},
	{ID: rbacauth.MetricCacheFill, Name: "rbacauth_permission_cache_fill_total", Help: "Role masks computed and stored."},
	{ID: rbacauth.MetricCacheConflict, Name: "rbacauth_permission_cache_conflict_total", Help: "Cache writes discarded by a generation change."},
	{ID: rbacauth.MetricCacheInvalidation, Name: "rbacauth_permission_cache_invalidation_total", Help: "Role cache invalidations."},
	{ID: rbacauth.MetricCacheFailure, Name: "rbacauth_permission_cache_failure_total", Help: "Permission cache backend errors."},
}

var HistogramDefs = []HistogramDef{
	{ID: rbacauth.MetricValidateLatency, Name: "rbacauth_validate_latency_seconds", Help: "Access token verification latency."},
}

// HistogramBounds are the finite upper bounds in seconds. The snapshot
// carries one more bucket for +Inf.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket, +Inf last, for exporters that
// publish buckets as separate instruments.
var HistogramBoundSuffix = []string{"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf"}

// NormalizeBuckets copies raw into a fixed array, padding with zeros.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
