// Package gateway implements the Console Gateway (C7): the HTTP and
// bidirectional WebSocket surface through which remote clients drive
// the control plane.
//
// Server wraps a chi router serving /health, /status, /execute,
// /connections, and /metrics, plus a single /ws endpoint carrying
// full-duplex JSON frames. Both transports funnel command execution
// through the same executor, a thin adapter over the coordinator's
// Command/Dispatch port and the auto-scaler's explicit scale
// operations — one implementation, two entry points.
package gateway
