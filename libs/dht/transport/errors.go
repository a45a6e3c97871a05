package transport

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned when connect, send or receive exceeded its
	// budget.
	ErrTimeout   = errors.New("rpc timeout")
	ErrNoAddress = errors.New("contact has no address")
	ErrClosed    = errors.New("transport closed")
)

// RemoteError carries the message of a LocalError reply.
type RemoteError struct {
	Msg string
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.Msg)
}
