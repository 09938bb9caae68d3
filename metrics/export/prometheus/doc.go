// Package prometheus renders the coordinator's metrics in Prometheus text
// exposition format.
//
// Counters are named medianest_auth_*_total; the only histogram is
// medianest_auth_authenticate_latency_seconds. Nothing is registered
// globally: callers mount [Exporter.Handler] where they like.
package prometheus
