// Package prometheus exposes Engine metrics as a prometheus.Collector.
//
// The collector reads [rbacauth.Engine.MetricsSnapshot] on every scrape and
// emits const metrics, so it never holds state of its own. Register it with
// any registry, or mount [Exporter.Handler] for a private one.
package prometheus
