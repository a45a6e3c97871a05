package kad

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument is returned before any network I/O when a call
	// is made with structurally invalid arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnexpectedReply = errors.New("unexpected reply")
	ErrNoChunkSource   = errors.New("no chunk source configured")
)

var (
	ErrNoSeeds     = errors.New("no seed answered")
	ErrStoreFailed = errors.New("no peer accepted the value")
)
