package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEndOfStream      = errors.New("end of stream")
	ErrInvalidData      = errors.New("invalid data")
	ErrEncoding         = errors.New("bad string encoding")
	ErrMalformedMessage = errors.New("malformed message")
	ErrMissingSender    = errors.New("message has no sender")
)

// ErrUnknownOpcode is returned when a frame carries an operation code this
// implementation does not know. Its Cause is ErrMalformedMessage.
type ErrUnknownOpcode struct {
	Op Op
}

func (e ErrUnknownOpcode) Error() string {
	return fmt.Sprintf("unknown opcode %d", byte(e.Op))
}

func (e ErrUnknownOpcode) Cause() error {
	return ErrMalformedMessage
}
