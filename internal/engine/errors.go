package engine

import "errors"

var (
	// ErrUnsupportedKind is returned for a kind no backend understands.
	ErrUnsupportedKind = errors.New("unsupported job kind")
	// ErrNoEngine is returned when no engine is registered for a class.
	ErrNoEngine = errors.New("no engine for class")
	// ErrBadResource is returned when Execute receives a resource built by another engine.
	ErrBadResource = errors.New("resource does not belong to this engine")
)

// dependencyUnavailableError signals a backend that is not compiled in or
// cannot reach its runtime, so the HTTP layer can answer 503.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

// invalidRequestError describes a request rejected before it runs.
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return "invalid request: " + e.msg }

// IsInvalidRequest reports whether err is a request validation failure.
func IsInvalidRequest(err error) bool {
	var ir invalidRequestError
	return errors.As(err, &ir)
}
