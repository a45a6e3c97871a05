package connpool

import (
	"net"
	"sync/atomic"
	"time"
)

type state int32

const (
	stateFree state = iota
	stateBusy
	stateInPool
	stateFailed
	stateDisposed
)

func (s state) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateBusy:
		return "busy"
	case stateInPool:
		return "in-pool"
	case stateFailed:
		return "failed"
	case stateDisposed:
		return "disposed"
	}
	return "unknown"
}

// probeWindow is how long the liveness probe waits for the peer to either
// close the connection or send unsolicited bytes.
const probeWindow = time.Millisecond

// Socket is a pooled TCP connection. Between Take and Return it belongs to
// exactly one caller, who may use it as a net.Conn.
type Socket struct {
	net.Conn

	endpoint   string
	state      int32
	returnedAt time.Time // guarded by the pool mutex
}

func newSocket(endpoint string) *Socket {
	return &Socket{endpoint: endpoint, state: int32(stateFree)}
}

// Endpoint returns the host:port the socket was dialed to.
func (s *Socket) Endpoint() string {
	return s.endpoint
}

func (s *Socket) load() state {
	return state(atomic.LoadInt32(&s.state))
}

func (s *Socket) cas(from, to state) bool {
	return atomic.CompareAndSwapInt32(&s.state, int32(from), int32(to))
}

// tryTake moves an idle socket to busy. Exactly one of several concurrent
// callers can succeed.
func (s *Socket) tryTake() bool {
	return s.cas(stateInPool, stateBusy)
}

// tryReturn moves a busy socket back to idle.
func (s *Socket) tryReturn() bool {
	return s.cas(stateBusy, stateInPool)
}

// markFailed flags the socket as broken unless it is already disposed.
func (s *Socket) markFailed() {
	for {
		cur := s.load()
		if cur == stateFailed || cur == stateDisposed {
			return
		}
		if s.cas(cur, stateFailed) {
			return
		}
	}
}

// dispose closes the connection once. disconnectTimeout > 0 half-closes
// first and drains what the peer still sends until it closes or the
// timeout passes.
func (s *Socket) dispose(disconnectTimeout time.Duration) {
	if state(atomic.SwapInt32(&s.state, int32(stateDisposed))) == stateDisposed {
		return
	}
	if s.Conn == nil {
		return
	}
	if tcp, ok := s.Conn.(*net.TCPConn); ok && disconnectTimeout > 0 {
		tcp.CloseWrite()
		tcp.SetReadDeadline(time.Now().Add(disconnectTimeout))
		var buf [256]byte
		for {
			if _, err := tcp.Read(buf[:]); err != nil {
				break
			}
		}
	}
	s.Conn.Close()
}

// alive reports whether the connection is still open and idle. A read that
// times out means nothing is pending and the peer has not closed.
func (s *Socket) alive() bool {
	if s.Conn == nil {
		return false
	}
	if err := s.Conn.SetReadDeadline(time.Now().Add(probeWindow)); err != nil {
		return false
	}
	var one [1]byte
	_, err := s.Conn.Read(one[:])
	s.Conn.SetReadDeadline(time.Time{})
	if err == nil {
		// unsolicited bytes, the stream is out of sync
		return false
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
