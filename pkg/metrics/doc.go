/*
Package metrics exposes Prometheus metrics and health endpoints for nvmetd.

Gauges describe the stored configuration (hosts, ports, subsystems and
namespaces) and are refreshed by a Collector. Counters and histograms
describe the work done against the target: objects added, updated and
removed per render stage, render failures, render and reconciliation
durations, and API traffic.

The health registry tracks named components. /ready requires the "store",
"target" and "api" components to be registered and healthy.
*/
package metrics
