// Package orchestrator runs workflow executions.
//
// The Manager is the entry point. It registers definitions in the Registry,
// starts executions on the Scheduler and answers status, cancellation and
// rollback requests. The Scheduler dispatches ready steps through the step
// executor in sequential, parallel or conditional mode, and hands critical
// failures to the RollbackCoordinator, which aborts in-flight transactions
// and runs compensating steps in reverse completion order.
package orchestrator
