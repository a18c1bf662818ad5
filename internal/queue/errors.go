package queue

import "errors"

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrShutdownTimeout is returned by Close when the worker does not exit in time.
	ErrShutdownTimeout = errors.New("queue worker did not stop before timeout")
)

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
