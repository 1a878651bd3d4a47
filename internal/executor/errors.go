package executor

import (
	"errors"
	"fmt"
)

// NoRetry marks a handler error as permanent: the job is failed without
// consuming its remaining retries.
//
// Example:
//
//	return executor.NoRetry(fmt.Errorf("RESEND_API_KEY missing"))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
