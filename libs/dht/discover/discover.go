// Package discover announces the local node on a UDP multicast group and
// hands the announcements of other nodes to a callback, which answers them
// over TCP.
package discover

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/netutil"
	"github.com/lianxiangcloud/linkdht/libs/dht/transport"
	"github.com/lianxiangcloud/linkdht/libs/dht/wire"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

// Announcements are a few dozen bytes; anything bigger is not ours.
const maxPacketSize = 1280

// Config configures the multicast service.
type Config struct {
	// ListenAddr is the local UDP address to bind.
	ListenAddr string
	// Group is where announcements are sent. A multicast group is joined
	// on Interface (all multicast interfaces when empty).
	Group     string
	Interface string
	// Interval between announcements, zero to announce only at start.
	Interval time.Duration
	TTL      int
	Loopback bool
	// DedupWindow drops repeated announcements.
	DedupWindow time.Duration
	// ReplyTimeout bounds one Handler call.
	ReplyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   "0.0.0.0:7300",
		Group:        "239.255.42.99:7300",
		Interval:     30 * time.Second,
		TTL:          1,
		DedupWindow:  time.Minute,
		ReplyTimeout: 5 * time.Second,
	}
}

// Handler answers an announcement received from ip.
type Handler func(ctx context.Context, m *wire.AllNodesRecognition, from net.IP) error

// Service sends and receives AllNodesRecognition frames.
type Service struct {
	cmn.BaseService

	cfg     Config
	self    func() *contact.Contact
	version uint16
	handler Handler

	group *net.UDPAddr
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	dedup *transport.Dedup

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewService returns a service announcing self() with protocol version.
func NewService(cfg Config, self func() *contact.Contact, version uint16, handler Handler, logger log.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		self:    self,
		version: version,
		handler: handler,
		dedup:   transport.NewDedup(1024, cfg.DedupWindow),
		stop:    make(chan struct{}),
	}
	s.BaseService = *cmn.NewBaseService(logger, "Discovery", s)
	return s
}

// LocalAddr returns the bound address, nil before start.
func (s *Service) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Service) OnStart() error {
	group, err := net.ResolveUDPAddr("udp4", s.cfg.Group)
	if err != nil {
		return errors.Wrap(err, "resolve multicast group")
	}
	s.group = group

	pc, err := listenUDP(s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.ListenAddr)
	}
	s.conn = pc.(*net.UDPConn)
	s.pconn = ipv4.NewPacketConn(s.conn)
	if group.IP.IsMulticast() {
		if err := s.joinGroup(); err != nil {
			s.conn.Close()
			return err
		}
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.announceLoop()
	return nil
}

func (s *Service) joinGroup() error {
	var ifaces []net.Interface
	if s.cfg.Interface != "" {
		ifi, err := net.InterfaceByName(s.cfg.Interface)
		if err != nil {
			return errors.Wrap(err, "multicast interface")
		}
		ifaces = append(ifaces, *ifi)
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return err
		}
		for _, ifi := range all {
			if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
				ifaces = append(ifaces, ifi)
			}
		}
	}
	joined := 0
	for i := range ifaces {
		if err := s.pconn.JoinGroup(&ifaces[i], &net.UDPAddr{IP: s.group.IP}); err != nil {
			s.Logger.Debug("Join multicast group failed", "iface", ifaces[i].Name, "err", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		return errors.Errorf("could not join %s on any interface", s.group.IP)
	}
	if s.cfg.TTL > 0 {
		if err := s.pconn.SetMulticastTTL(s.cfg.TTL); err != nil {
			return errors.Wrap(err, "multicast ttl")
		}
	}
	return s.pconn.SetMulticastLoopback(s.cfg.Loopback)
}

func (s *Service) OnStop() {
	close(s.stop)
	s.conn.Close()
	s.wg.Wait()
}

// Announce sends one AllNodesRecognition to the group.
func (s *Service) Announce() error {
	self := s.self()
	m := &wire.AllNodesRecognition{
		MachineID:       self.MachineID,
		ProtocolVersion: s.version,
		TCPPort:         self.TCPPort,
	}
	m.RandomID = transport.NewRandomID()
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(b, s.group)
	s.Logger.Trace(">> AllNodesRecognition", "group", s.group, "err", err)
	return err
}

func (s *Service) announceLoop() {
	defer s.wg.Done()
	if err := s.Announce(); err != nil {
		s.Logger.Info("Announce failed", "err", err)
	}
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Announce(); err != nil {
				s.Logger.Info("Announce failed", "err", err)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Service) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if netutil.IsTemporaryError(err) {
			s.Logger.Debug("Temporary UDP read error", "err", err)
			continue
		} else if err != nil {
			select {
			case <-s.stop:
			default:
				s.Logger.Error("UDP read failed", "err", err)
			}
			return
		}
		s.handlePacket(from, buf[:n])
	}
}

func (s *Service) handlePacket(from *net.UDPAddr, buf []byte) error {
	m, err := wire.Decode(buf)
	if err != nil {
		s.Logger.Debug("Bad discovery packet", "addr", from, "err", err)
		return err
	}
	rec, ok := m.(*wire.AllNodesRecognition)
	if !ok {
		s.Logger.Debug("Unexpected discovery packet", "addr", from, "op", m.Op())
		return errors.Wrapf(wire.ErrMalformedMessage, "op %s over udp", m.Op())
	}
	if rec.MachineID == s.self().MachineID || s.dedup.Seen(rec) {
		return nil
	}
	s.Logger.Trace("<< AllNodesRecognition", "machine", rec.MachineID, "addr", from)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReplyTimeout)
	defer cancel()
	if err := s.handler(ctx, rec, from.IP); err != nil {
		s.Logger.Debug("Answering announcement failed", "machine", rec.MachineID, "addr", from, "err", err)
		return err
	}
	return nil
}
