// Package transport carries DHT messages over TCP: a Server that reads
// frames from accepted connections and dispatches them to a Handler, and a
// Client that issues request/response calls over pooled sockets.
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/netutil"
	"github.com/lianxiangcloud/linkdht/libs/dht/wire"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

// Handler serves inbound messages. A nil response with a nil error sends
// nothing back. An error is answered with a LocalError.
type Handler interface {
	HandleMessage(ctx context.Context, from net.Addr, m wire.Message) (wire.Message, error)
	Self() *contact.Contact
}

// ServerConfig configures the TCP server.
type ServerConfig struct {
	ListenAddr     string
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	AcceptRate     float64
	AcceptBurst    int
	MaxConnections int
	DedupWindow    time.Duration
	DedupSize      int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     "tcp://0.0.0.0:13500",
		IdleTimeout:    90 * time.Second,
		WriteTimeout:   5 * time.Second,
		AcceptRate:     100,
		AcceptBurst:    50,
		MaxConnections: 256,
		DedupWindow:    2 * time.Second,
		DedupSize:      4096,
	}
}

// Server accepts TCP connections and serves one read loop per connection.
type Server struct {
	cmn.BaseService

	cfg      ServerConfig
	handler  Handler
	listener net.Listener
	limiter  *rate.Limiter
	dedup    *Dedup

	ctx    context.Context
	cancel context.CancelFunc

	mtx   sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer returns a server for handler. ln may be nil, in which case
// cfg.ListenAddr is bound on start.
func NewServer(cfg ServerConfig, ln net.Listener, handler Handler, logger log.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		handler:  handler,
		listener: ln,
		dedup:    NewDedup(cfg.DedupSize, cfg.DedupWindow),
		conns:    make(map[net.Conn]struct{}),
	}
	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	burst := cfg.AcceptBurst
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.BaseService = *cmn.NewBaseService(logger, "DHTServer", s)
	return s
}

// OnStart implements cmn.Service.
func (s *Server) OnStart() error {
	if s.listener == nil {
		protocol, addr := cmn.ProtocolAndAddress(s.cfg.ListenAddr)
		ln, err := net.Listen(protocol, addr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", s.cfg.ListenAddr)
		}
		s.listener = ln
	}
	s.Logger.Info("DHT server listening", "addr", s.listener.Addr())
	s.wg.Add(1)
	go s.acceptRoutine()
	return nil
}

// OnStop implements cmn.Service.
func (s *Server) OnStop() {
	s.cancel()
	s.listener.Close()
	s.mtx.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mtx.Unlock()
	s.wg.Wait()
}

// Addr returns the bound address. It is nil before Start when the server
// binds its own listener.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptRoutine() {
	defer s.wg.Done()
	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if netutil.IsTemporaryError(err) {
				s.Logger.Debug("Temporary accept error", "err", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.Logger.Error("Accept failed", "err", err)
			return
		}
		if !s.track(conn) {
			s.Logger.Debug("Rejecting connection, too many open", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mtx.Lock()
	delete(s.conns, conn)
	s.mtx.Unlock()
	conn.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	remote := conn.RemoteAddr()
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		m, err := wire.ReadMessage(conn)
		if err != nil {
			if err != io.EOF && s.ctx.Err() == nil && !netutil.IsTimeout(err) {
				s.Logger.Debug("Dropping connection", "remote", remote, "err", err)
			}
			return
		}
		if s.dedup.Seen(m) {
			s.Logger.Trace("Duplicate message suppressed", "remote", remote, "op", m.Op(), "rid", m.Head().RandomID)
			continue
		}
		resp, err := s.handler.HandleMessage(s.ctx, remote, m)
		if err != nil {
			s.Logger.Debug("Request failed", "remote", remote, "op", m.Op(), "err", err)
			resp = &wire.LocalError{Message: err.Error()}
		}
		if resp == nil {
			continue
		}
		h := resp.Head()
		h.RandomID = m.Head().RandomID
		if h.Sender == nil {
			h.Sender = s.handler.Self()
		}
		if s.cfg.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if err := wire.WriteMessage(conn, resp); err != nil {
			s.Logger.Debug("Write response failed", "remote", remote, "op", resp.Op(), "err", err)
			return
		}
	}
}
