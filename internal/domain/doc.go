// Package domain defines the core types of the plugin workflow engine.
//
// Workflow definitions (steps, dependencies, conditions, compensations) are
// immutable once registered. Executions and step results describe a single
// run of a definition and are owned by the scheduler while the run is live.
package domain
