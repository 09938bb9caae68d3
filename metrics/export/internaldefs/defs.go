package internaldefs

import (
	auth "github.com/KingInYellow18/medianest/auth"
)

type CounterDef struct {
	ID   auth.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   auth.MetricID
	Name string
	Help string
}

// AuditDroppedName is exported by every exporter next to the core counters.
const AuditDroppedName = "medianest_auth_audit_dropped_total"

// CounterDefs lists every exported counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: auth.MetricAuthenticateSuccess, Name: "medianest_auth_authenticate_success_total", Help: "Requests authenticated."},
	{ID: auth.MetricAuthenticateFailure, Name: "medianest_auth_authenticate_failure_total", Help: "Requests denied."},
	{ID: auth.MetricCacheHit, Name: "medianest_auth_cache_hit_total", Help: "Authentications served from the decision cache."},
	{ID: auth.MetricCacheMiss, Name: "medianest_auth_cache_miss_total", Help: "Authentications that missed the decision cache."},
	{ID: auth.MetricCacheError, Name: "medianest_auth_cache_error_total", Help: "Decision cache backend failures treated as misses."},
	{ID: auth.MetricLoginSuccess, Name: "medianest_auth_login_success_total", Help: "Successful logins."},
	{ID: auth.MetricLoginFailure, Name: "medianest_auth_login_failure_total", Help: "Failed logins."},
	{ID: auth.MetricRefreshSuccess, Name: "medianest_auth_refresh_success_total", Help: "Successful refresh token rotations."},
	{ID: auth.MetricRefreshFailure, Name: "medianest_auth_refresh_failure_total", Help: "Failed refresh token rotations."},
	{ID: auth.MetricRefreshReuseDetected, Name: "medianest_auth_refresh_reuse_detected_total", Help: "Detected refresh token reuses."},
	{ID: auth.MetricSessionCreated, Name: "medianest_auth_session_created_total", Help: "Created device sessions."},
	{ID: auth.MetricSessionRevoked, Name: "medianest_auth_session_revoked_total", Help: "Revoked device sessions."},
	{ID: auth.MetricLogout, Name: "medianest_auth_logout_total", Help: "Single-device logouts."},
	{ID: auth.MetricLogoutAll, Name: "medianest_auth_logout_all_total", Help: "Logout-all operations."},
	{ID: auth.MetricLoginLocked, Name: "medianest_auth_login_locked_total", Help: "Password logins refused while a username is locked out."},
}

var HistogramDefs = []HistogramDef{
	{ID: auth.MetricAuthenticateLatency, Name: "medianest_auth_authenticate_latency_seconds", Help: "Authenticate latency."},
}

// HistogramBounds are the upper bounds of the core latency buckets, in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix names each bound in instrument names that cannot
// carry labels.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, padding missing buckets with zero.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
