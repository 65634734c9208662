// Package retry wraps calls to external services (container registries,
// source hosting) in bounded exponential backoff. Only transient failures
// are retried; callers mark everything else Permanent.
package retry

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Default makes three attempts, waiting 4s and then 8s (capped at 10s).
var Default = wait.Backoff{
	Duration: 4 * time.Second,
	Factor:   2,
	Steps:    3,
	Cap:      10 * time.Second,
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Transient calls fn until it succeeds, returns a Permanent error, or the
// backoff is exhausted. The last error from fn is returned, unwrapped from
// Permanent.
func Transient(ctx context.Context, backoff wait.Backoff, fn func(context.Context) error) error {
	var last error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		last = fn(ctx)
		if last == nil {
			return true, nil
		}
		var p *permanentError
		if errors.As(last, &p) {
			return false, p.err
		}
		return false, nil
	})
	if err != nil && wait.Interrupted(err) && last != nil {
		return last
	}
	return err
}
