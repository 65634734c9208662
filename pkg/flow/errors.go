package flow

import (
	"errors"
	"strings"
)

// ErrUnsupportedScheduler is returned, rather than collected, when the
// jobqueue section names no scheduler this system understands.
var ErrUnsupportedScheduler = errors.New("unsupported jobqueue configuration")

// ValidationError aggregates every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	e.Issues = append(e.Issues, issue)
}

// OrNil returns e when it holds issues.
func (e *ValidationError) OrNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
