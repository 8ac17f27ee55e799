package rbacauth

import internalmetrics "github.com/braybrandon/rbacauth/internal/metrics"

// MetricID identifies a specific counter or histogram in the in-process
// metrics system.
type MetricID = internalmetrics.MetricID

const (
	MetricLoginSuccess          = MetricID(internalmetrics.MetricLoginSuccess)
	MetricLoginFailure          = MetricID(internalmetrics.MetricLoginFailure)
	MetricLoginRateLimited      = MetricID(internalmetrics.MetricLoginRateLimited)
	MetricRefreshSuccess        = MetricID(internalmetrics.MetricRefreshSuccess)
	MetricRefreshFailure        = MetricID(internalmetrics.MetricRefreshFailure)
	MetricRefreshReuseDetected  = MetricID(internalmetrics.MetricRefreshReuseDetected)
	MetricRefreshRateLimited    = MetricID(internalmetrics.MetricRefreshRateLimited)
	MetricRefreshIssued         = MetricID(internalmetrics.MetricRefreshIssued)
	MetricLogout                = MetricID(internalmetrics.MetricLogout)
	MetricLogoutAll             = MetricID(internalmetrics.MetricLogoutAll)
	MetricTokenVersionBumped    = MetricID(internalmetrics.MetricTokenVersionBumped)
	MetricAccessTokenRejected   = MetricID(internalmetrics.MetricAccessTokenRejected)
	MetricAuthorizeAllowed      = MetricID(internalmetrics.MetricAuthorizeAllowed)
	MetricAuthorizeDenied       = MetricID(internalmetrics.MetricAuthorizeDenied)
	MetricAuthorizeLookupFailed = MetricID(internalmetrics.MetricAuthorizeLookupFailed)
	MetricPasswordChangeSuccess = MetricID(internalmetrics.MetricPasswordChangeSuccess)
	MetricPasswordChangeFailure = MetricID(internalmetrics.MetricPasswordChangeFailure)

	// Permission cache counters are read from the cache at snapshot time.
	MetricCacheHit          = MetricID(internalmetrics.MetricCacheHit)
	MetricCacheMiss         = MetricID(internalmetrics.MetricCacheMiss)
	MetricCacheFill         = MetricID(internalmetrics.MetricCacheFill)
	MetricCacheConflict     = MetricID(internalmetrics.MetricCacheConflict)
	MetricCacheInvalidation = MetricID(internalmetrics.MetricCacheInvalidation)
	MetricCacheFailure      = MetricID(internalmetrics.MetricCacheFailure)

	MetricValidateLatency = MetricID(internalmetrics.MetricValidateLatency)
)

// Metrics holds atomic counters and the optional latency histogram.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a [Metrics] configured by cfg. When Enabled is false,
// all operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}
