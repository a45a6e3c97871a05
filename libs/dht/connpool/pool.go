// Package connpool caches TCP connections per remote endpoint so that
// consecutive RPCs to the same peer reuse one socket.
//
// A socket moves through the states free, busy, in-pool, failed and
// disposed. Take hands out a pooled socket or dials a new one, Return puts a
// healthy socket back and disposes anything else. Concurrent Takes for an
// endpoint with nothing pooled each dial their own socket.
package connpool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

var (
	// ErrPoolExhaustionOrStale is returned by Return when the socket could
	// not go back to the pool and was disposed instead.
	ErrPoolExhaustionOrStale = errors.New("socket stale or pool exhausted")
	ErrPoolClosed            = errors.New("connection pool closed")
)

// Config tunes the pool.
type Config struct {
	// TimeWaitSocketReturnedToPool is how long a returned socket may idle
	// before it is closed.
	TimeWaitSocketReturnedToPool time.Duration
	// MaxIdlePerEndpoint caps the pooled sockets per endpoint.
	MaxIdlePerEndpoint int
	// ExpiryInterval is the period of the idle expiry sweep.
	ExpiryInterval time.Duration
}

// DefaultConfig returns the default pool settings.
func DefaultConfig() Config {
	return Config{
		TimeWaitSocketReturnedToPool: 60 * time.Second,
		MaxIdlePerEndpoint:           4,
		ExpiryInterval:               10 * time.Second,
	}
}

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Pool is a keyed socket cache. It must be started for idle expiry to run;
// Take and Return work either way.
type Pool struct {
	cmn.BaseService

	cfg     Config
	dial    DialFunc
	metrics *Metrics

	mtx     sync.Mutex
	sockets map[string][]*Socket
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option sets an optional parameter on the Pool.
type Option func(*Pool)

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(p *Pool) { p.dial = d }
}

// NewPool returns an empty pool.
func NewPool(cfg Config, logger log.Logger, options ...Option) *Pool {
	p := &Pool{
		cfg:     cfg,
		metrics: NopMetrics(),
		sockets: make(map[string][]*Socket),
		stop:    make(chan struct{}),
	}
	var d net.Dialer
	p.dial = d.DialContext
	p.BaseService = *cmn.NewBaseService(logger, "ConnPool", p)
	for _, option := range options {
		option(p)
	}
	return p
}

// OnStart implements cmn.Service.
func (p *Pool) OnStart() error {
	if p.cfg.TimeWaitSocketReturnedToPool <= 0 {
		return nil
	}
	interval := p.cfg.ExpiryInterval
	if interval <= 0 {
		interval = p.cfg.TimeWaitSocketReturnedToPool / 2
	}
	p.wg.Add(1)
	go p.expireLoop(interval)
	return nil
}

// OnStop implements cmn.Service. Pooled sockets are closed, busy sockets
// are disposed when their holders return them.
func (p *Pool) OnStop() {
	close(p.stop)
	p.wg.Wait()
	p.mtx.Lock()
	p.closed = true
	all := p.sockets
	p.sockets = make(map[string][]*Socket)
	p.mtx.Unlock()

	for _, list := range all {
		for _, s := range list {
			s.dispose(0)
		}
	}
	p.metrics.Idle.Set(0)
}

// Take returns an exclusively owned socket for endpoint. A pooled socket
// that passes the liveness probe is preferred, otherwise a new connection
// is dialed within connectTimeout.
func (p *Pool) Take(ctx context.Context, endpoint string, connectTimeout time.Duration) (*Socket, error) {
	for {
		s, err := p.popIdle(endpoint)
		if err != nil {
			return nil, err
		}
		if s == nil {
			break
		}
		if s.alive() {
			p.metrics.Reuses.Add(1)
			return s, nil
		}
		p.Logger.Debug("Discarding stale pooled socket", "endpoint", endpoint)
		p.metrics.Stale.Add(1)
		s.markFailed()
		s.dispose(0)
	}

	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	s := newSocket(endpoint)
	s.cas(stateFree, stateBusy)
	p.metrics.Dials.Add(1)
	conn, err := p.dial(ctx, "tcp", endpoint)
	if err != nil {
		p.metrics.DialFailures.Add(1)
		s.markFailed()
		s.dispose(0)
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	s.Conn = conn
	return s, nil
}

// popIdle removes the most recently returned socket of endpoint that can be
// taken.
func (p *Pool) popIdle(endpoint string) (*Socket, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	list := p.sockets[endpoint]
	for i := len(list) - 1; i >= 0; i-- {
		s := list[i]
		list = append(list[:i], list[i+1:]...)
		p.metrics.Idle.Add(-1)
		if s.tryTake() {
			p.setList(endpoint, list)
			return s, nil
		}
	}
	p.setList(endpoint, list)
	return nil, nil
}

func (p *Pool) setList(endpoint string, list []*Socket) {
	if len(list) == 0 {
		delete(p.sockets, endpoint)
	} else {
		p.sockets[endpoint] = list
	}
}

// Return hands s back. A healthy socket becomes the next candidate for Take
// on its endpoint. A socket that is marked failed, fails the liveness probe,
// or does not fit in the pool is disposed; ErrPoolExhaustionOrStale reports
// the first two cases.
func (p *Pool) Return(s *Socket, disconnectTimeout time.Duration) error {
	if s == nil {
		return nil
	}
	if s.load() != stateBusy || !s.alive() {
		p.metrics.Stale.Add(1)
		s.markFailed()
		s.dispose(disconnectTimeout)
		return ErrPoolExhaustionOrStale
	}

	p.mtx.Lock()
	if p.closed || len(p.sockets[s.endpoint]) >= p.cfg.MaxIdlePerEndpoint {
		p.mtx.Unlock()
		s.dispose(disconnectTimeout)
		return nil
	}
	if !s.tryReturn() {
		p.mtx.Unlock()
		s.dispose(disconnectTimeout)
		return ErrPoolExhaustionOrStale
	}
	s.returnedAt = time.Now()
	p.sockets[s.endpoint] = append(p.sockets[s.endpoint], s)
	p.metrics.Idle.Add(1)
	p.mtx.Unlock()
	return nil
}

// MarkFailed flags s as broken, e.g. after an I/O error. A failed socket is
// disposed by Return and never pooled again.
func (p *Pool) MarkFailed(s *Socket) {
	if s != nil {
		s.markFailed()
	}
}

// Idle returns the number of pooled sockets for endpoint.
func (p *Pool) Idle(endpoint string) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.sockets[endpoint])
}

func (p *Pool) expireLoop(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.expire(time.Now())
		case <-p.stop:
			return
		}
	}
}

// expire closes sockets idle for longer than TimeWaitSocketReturnedToPool.
func (p *Pool) expire(now time.Time) {
	var expired []*Socket
	p.mtx.Lock()
	for ep, list := range p.sockets {
		kept := list[:0]
		for _, s := range list {
			if now.Sub(s.returnedAt) >= p.cfg.TimeWaitSocketReturnedToPool && s.cas(stateInPool, stateFailed) {
				expired = append(expired, s)
				continue
			}
			kept = append(kept, s)
		}
		p.setList(ep, kept)
	}
	p.mtx.Unlock()

	for _, s := range expired {
		s.dispose(0)
		p.metrics.Expired.Add(1)
		p.metrics.Idle.Add(-1)
	}
	if len(expired) > 0 {
		p.Logger.Debug("Expired idle sockets", "count", len(expired))
	}
}
