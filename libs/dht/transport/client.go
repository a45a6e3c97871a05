package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/lianxiangcloud/linkdht/libs/dht/connpool"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/netutil"
	"github.com/lianxiangcloud/linkdht/libs/dht/wire"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

// ClientConfig holds the per-call timeouts.
type ClientConfig struct {
	ConnectTimeout    time.Duration
	SendTimeout       time.Duration
	ReceiveTimeout    time.Duration
	DisconnectTimeout time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:    3 * time.Second,
		SendTimeout:       3 * time.Second,
		ReceiveTimeout:    5 * time.Second,
		DisconnectTimeout: 100 * time.Millisecond,
	}
}

// Client issues RPCs over pooled TCP sockets.
type Client struct {
	cfg    ClientConfig
	pool   *connpool.Pool
	self   func() *contact.Contact
	logger log.Logger
}

// NewClient returns a client that stamps every outgoing message with the
// contact returned by self.
func NewClient(cfg ClientConfig, pool *connpool.Pool, self func() *contact.Contact, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{cfg: cfg, pool: pool, self: self, logger: logger}
}

// NewRandomID returns a fresh correlation id.
func NewRandomID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("transport: reading random bytes: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}

// Call sends req to the contact and waits for the response carrying the
// same RandomID. The contact's addresses are tried in order until one
// accepts the connection. A LocalError reply is returned as RemoteError.
func (c *Client) Call(ctx context.Context, to *contact.Contact, req wire.Message) (wire.Message, error) {
	c.prepare(req)
	var lastErr error = ErrNoAddress
	for _, ep := range to.Endpoints() {
		resp, err := c.callEndpoint(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isDialError(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// Send delivers a message that expects no response.
func (c *Client) Send(ctx context.Context, to *contact.Contact, m wire.Message) error {
	c.prepare(m)
	var lastErr error = ErrNoAddress
	for _, ep := range to.Endpoints() {
		err := c.sendEndpoint(ctx, ep, m)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isDialError(err) || ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

// SendTo delivers a one-way message to a bare endpoint.
func (c *Client) SendTo(ctx context.Context, endpoint string, m wire.Message) error {
	c.prepare(m)
	return c.sendEndpoint(ctx, endpoint, m)
}

// CallEndpoint calls a bare endpoint, e.g. a seed whose contact is not
// known yet.
func (c *Client) CallEndpoint(ctx context.Context, endpoint string, req wire.Message) (wire.Message, error) {
	c.prepare(req)
	return c.callEndpoint(ctx, endpoint, req)
}

func (c *Client) prepare(m wire.Message) {
	h := m.Head()
	if h.RandomID == 0 {
		h.RandomID = NewRandomID()
	}
	if h.Sender == nil && c.self != nil {
		h.Sender = c.self()
	}
}

type dialError struct{ error }

func (e dialError) Cause() error { return e.error }

func isDialError(err error) bool {
	_, ok := err.(dialError)
	return ok
}

func (c *Client) take(ctx context.Context, endpoint string) (*connpool.Socket, error) {
	sock, err := c.pool.Take(ctx, endpoint, c.cfg.ConnectTimeout)
	if err != nil {
		if err == connpool.ErrPoolClosed {
			return nil, ErrClosed
		}
		return nil, dialError{mapErr(err)}
	}
	return sock, nil
}

func (c *Client) callEndpoint(ctx context.Context, endpoint string, req wire.Message) (wire.Message, error) {
	sock, err := c.take(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, sock, req)
	if err != nil {
		c.pool.MarkFailed(sock)
	}
	c.pool.Return(sock, c.cfg.DisconnectTimeout)
	if err != nil {
		return nil, err
	}
	if le, ok := resp.(*wire.LocalError); ok {
		return nil, RemoteError{Msg: le.Message}
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, sock *connpool.Socket, req wire.Message) (wire.Message, error) {
	sock.SetWriteDeadline(deadline(ctx, c.cfg.SendTimeout))
	if err := wire.WriteMessage(sock, req); err != nil {
		return nil, mapErr(err)
	}
	sock.SetReadDeadline(deadline(ctx, c.cfg.ReceiveTimeout))
	defer sock.SetDeadline(time.Time{})
	for {
		resp, err := wire.ReadMessage(sock)
		if err != nil {
			return nil, mapErr(err)
		}
		if resp.Head().RandomID != req.Head().RandomID {
			c.logger.Debug("Discarding unsolicited reply", "endpoint", sock.Endpoint(), "op", resp.Op(), "rid", resp.Head().RandomID)
			continue
		}
		return resp, nil
	}
}

func (c *Client) sendEndpoint(ctx context.Context, endpoint string, m wire.Message) error {
	sock, err := c.take(ctx, endpoint)
	if err != nil {
		return err
	}
	sock.SetWriteDeadline(deadline(ctx, c.cfg.SendTimeout))
	err = wire.WriteMessage(sock, m)
	sock.SetWriteDeadline(time.Time{})
	if err != nil {
		c.pool.MarkFailed(sock)
	}
	c.pool.Return(sock, c.cfg.DisconnectTimeout)
	return mapErr(err)
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)
	if netutil.IsTimeout(cause) || cause == context.DeadlineExceeded {
		return errors.Wrap(ErrTimeout, err.Error())
	}
	return err
}
