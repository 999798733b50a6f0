// Package storage provides workflow definition and execution history stores.
//
// Implementations:
//   - redis: Redis with JSON serialization and TTL on execution records
//   - memory: In-memory for tests and single-process deployments
package storage
