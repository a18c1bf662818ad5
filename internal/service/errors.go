package service

import (
	"errors"

	"gend/internal/engine"
	"gend/internal/queue"
)

// modelNotFoundError is returned when a requested model id is not in the registry.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether err indicates a missing model id.
func IsModelNotFound(err error) bool {
	var m modelNotFoundError
	return errors.As(err, &m)
}

// invalidRequestError rejects a request before it reaches the queue.
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return "invalid request: " + e.msg }

// ErrInvalidRequest constructs an invalidRequestError.
func ErrInvalidRequest(msg string) error { return invalidRequestError{msg: msg} }

// IsInvalidRequest reports whether err is a validation failure, raised either
// here or by the engine's request normalization.
func IsInvalidRequest(err error) bool {
	var ir invalidRequestError
	return errors.As(err, &ir) || engine.IsInvalidRequest(err)
}

// ErrJobNotFound is returned for unknown job ids. It is the queue's sentinel,
// so errors.Is matches errors from either layer.
var ErrJobNotFound = queue.ErrNotFound
