// Package otel publishes Engine metrics through an OpenTelemetry Meter.
//
// Each counter becomes an Int64ObservableCounter and each histogram bucket
// an Int64ObservableGauge. One registered callback reads
// [rbacauth.Engine.MetricsSnapshot] per collection. The caller owns the
// MeterProvider.
package otel
