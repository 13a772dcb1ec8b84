/*
Package metrics provides Prometheus instrumentation and a bounded
in-memory sample history for the control plane.

Counters and histograms are registered at package init and updated
from the coordinator, auto-scaler, and console gateway as they work.
Sampler runs a periodic loop (C5) that snapshots the live agent/task
population into a types.MetricsSample, keeps the last N in Ring for
the auto-scaler to read, and optionally mirrors each sample to storage.
Timer is the shared start/observe helper used across packages for
timing an operation against a histogram.
*/
package metrics
