// Package executor runs a single workflow step against the plugin boundary.
//
// Each attempt is bounded by the step timeout. Recoverable failures are
// retried with exponential backoff (retryDelay * multiplier^(attempt-1));
// failures flagged non-retryable end the step immediately. Transactional
// steps are wrapped in a transaction that is prepared on success and
// aborted on failure.
package executor
