// Package otel publishes the coordinator's metrics through an
// OpenTelemetry Meter.
//
// Every counter becomes an Int64ObservableCounter and every histogram
// bucket an Int64ObservableGauge, all fed by one callback that reads
// MetricsSnapshot per collection. Callers own the MeterProvider.
package otel
