package plugins

import "github.com/aescanero/plugflow/internal/domain"

// Permanent wraps err so the step executor does not retry it
func Permanent(err error) error {
	return domain.NonRetryable(err)
}

// IsPermanent reports whether err was flagged as non-retryable
func IsPermanent(err error) bool {
	return domain.IsNonRetryable(err)
}
