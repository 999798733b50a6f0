// Package ports defines the collaborator interfaces of the orchestrator.
//
// The orchestrator receives every external dependency (plugin invocation,
// transaction manager, persistence, event bus, metrics) through these
// interfaces so it can be exercised without a live plugin runtime.
package ports
