package geomserver

import (
	"errors"
	"fmt"

	"github.com/dsconsultants/ifcgeom/internal/command"
)

var (
	// ErrInvalidState reports an operation the session's state does not allow.
	ErrInvalidState = errors.New("geomserver: operation not allowed in current session state")
	// ErrNoMoreEntities reports Next after the server said there is nothing
	// left. It matches ErrInvalidState.
	ErrNoMoreEntities = fmt.Errorf("%w: no more entities", ErrInvalidState)
	// ErrClosed reports use of a closed session. It matches ErrInvalidState.
	ErrClosed = fmt.Errorf("%w: session closed", ErrInvalidState)
)

// HandshakeFramingError reports a first frame that is not a Hello.
type HandshakeFramingError struct {
	Got command.Tag
}

func (e *HandshakeFramingError) Error() string {
	return fmt.Sprintf("geomserver: invalid welcome message: want %s, got %s", command.TagHello, e.Got)
}

// VersionMismatchError reports a server speaking another protocol version.
type VersionMismatchError struct {
	Expected string
	Reported string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf(
		"geomserver: version mismatch: client version %s does not match server version %s",
		e.Expected,
		e.Reported,
	)
}

// IOError reports a failed pipe read or write, or a frame that could not be
// decoded. The session is closed by the time it is returned.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("geomserver: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NonZeroExitError reports a server that exited on its own with a non-zero
// status during shutdown.
type NonZeroExitError struct {
	Code int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("geomserver: exited with non-zero exit code: %d", e.Code)
}

// classify turns a failure of op into the error a caller sees: sequence
// errors keep their type, everything else becomes an *IOError.
func classify(op string, err error) error {
	var sequenceErr *command.SequenceError
	if errors.As(err, &sequenceErr) {
		return fmt.Errorf("geomserver: %s: %w", op, err)
	}
	return &IOError{Op: op, Err: err}
}
