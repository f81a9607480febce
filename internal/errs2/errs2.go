// Package errs2 contains error helpers shared across the replica manager.
package errs2

import (
	"context"
	"errors"
	"time"

	"github.com/zeebo/errs"
)

// IsCanceled returns true if err is, wraps, or combines a context
// cancellation or deadline error. errs.Class wrapping and errs.Combine
// aggregation both implement Unwrap, so errors.Is sees through them.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Collect drains errchan, combining every error received before timeout
// elapses since the first receive, or until errchan is closed.
func Collect(errchan <-chan error, timeout time.Duration) error {
	var (
		combined error
		deadline <-chan time.Time
	)
	for {
		select {
		case err, ok := <-errchan:
			if !ok {
				return combined
			}
			combined = errs.Combine(combined, err)
			if deadline == nil {
				deadline = time.After(timeout)
			}
		case <-deadline:
			return combined
		}
	}
}
