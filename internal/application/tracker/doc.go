// Package tracker maintains live progress for running executions.
//
// The scheduler and step executor report status changes without blocking;
// monitors query snapshots by execution id or subscribe to a bounded update
// channel. Finished executions are kept for a retention period and then
// pruned, after which queries return domain.ErrExecutionNotFound.
package tracker
