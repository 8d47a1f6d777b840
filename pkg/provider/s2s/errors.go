package s2s

import (
	"errors"
	"fmt"
)

// ErrConnectFailed matches every [*ConnectError] via errors.Is.
var ErrConnectFailed = errors.New("s2s: connect failed")

// ConnectError reports that the handshake with the understanding service did
// not complete. The attempt is over; the caller may retry with a new Connect.
type ConnectError struct {
	Transport string
	Stage     string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("s2s: connect to %s failed during %s: %v", e.Transport, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is reports true for [ErrConnectFailed].
func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }
