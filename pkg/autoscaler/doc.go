// Package autoscaler implements the Auto-Scaler (C6): a closed-loop
// controller that grows and shrinks the agent pool against a target
// utilization, under hysteresis and cooldown.
//
// Scaler reads the latest metrics.Ring sample and the current agent
// count through narrow interfaces rather than the concrete coordinator
// or metrics types, the same dependency-injection discipline the
// coordinator applies to the process manager.
package autoscaler
