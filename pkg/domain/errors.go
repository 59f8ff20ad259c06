package domain

import (
	"github.com/cockroachdb/errors"
)

// Error kinds. Callers test with errors.Is; adapters attach a kind with
// errors.Mark so the original cause stays in the chain.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrLaunchFailure       = errors.New("workload launch failed")
	ErrUnresolvedEvent     = errors.New("unresolved workload event")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUnknownPhase        = errors.New("unknown workload phase")
)

// NotFoundf returns an ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// Conflictf returns an ErrConflict with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

// InvalidArgumentf returns an ErrInvalidArgument with a formatted message.
func InvalidArgumentf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

// Unavailable marks err as ErrUpstreamUnavailable.
func Unavailable(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrUpstreamUnavailable)
}

// LaunchFailure marks err as ErrLaunchFailure.
func LaunchFailure(err error, executionID string) error {
	return errors.Mark(errors.Wrapf(err, "launch execution %s", executionID), ErrLaunchFailure)
}
