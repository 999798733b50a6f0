// Package txn provides transaction manager implementations.
//
// Implementations:
//   - memory: in-process two-phase-commit coordinator for tests and
//     single-node deployments
package txn
