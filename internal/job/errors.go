package job

import "errors"

// ErrCancelled resolves the future of a job stopped by its own cancellation signal.
var ErrCancelled = errors.New("job cancelled")

// EngineError wraps a failure raised while executing a job.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return "engine error"
	}
	return e.Err.Error()
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsCancelled reports whether err is a job cancellation.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsEngineError reports whether err carries an engine failure.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}
