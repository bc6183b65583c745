package traj

import (
	"errors"
	"fmt"
)

// Error kinds returned by the traj package. Every error produced here wraps
// exactly one of these so callers can branch with errors.Is.
var (
	// ErrInvalidInput reports a malformed pose or argument, e.g. a non-unit
	// quaternion or a rotation block that is not orthonormal.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDegenerateInput reports an alignment problem with too few or
	// collinear points.
	ErrDegenerateInput = errors.New("degenerate input")

	// ErrMalformedFormat reports a file whose header or body does not match
	// the declared layout.
	ErrMalformedFormat = errors.New("malformed format")

	// ErrNoOverlap reports that trajectory association produced no pairs.
	ErrNoOverlap = errors.New("no overlap")

	// ErrIOFailure reports a filesystem error during read or write.
	ErrIOFailure = errors.New("io failure")
)

// ParseError locates a format error inside a text file.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: line %d: %s", ErrMalformedFormat, e.Line, e.Msg)
}

// Unwrap makes errors.Is(err, ErrMalformedFormat) hold.
func (e *ParseError) Unwrap() error { return ErrMalformedFormat }

func parseErrorf(line int, format string, args ...interface{}) error {
	return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

func ioFailure(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrIOFailure, op, path, err)
}
