// Package events provides ports.EventBus implementations for execution
// lifecycle events.
//
// Implementations:
//   - redis: Redis Streams with consumer groups
//   - memory: in-process fan-out, used by default and in tests
package events
