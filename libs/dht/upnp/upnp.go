// Package upnp maps the DHT TCP port on an Internet gateway device so that
// peers outside the LAN can reach this node.
package upnp

import (
	"net"

	upnpc "github.com/NebulousLabs/go-upnp"
	"github.com/pkg/errors"

	"github.com/lianxiangcloud/linkdht/libs/dht/netutil"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

var (
	ErrPublicAddress   = errors.New("host already has a public address")
	ErrLocalExternalIP = errors.New("gateway external address is not public")
	ErrPortTaken       = errors.New("port is mapped to another host")
)

// ExtAddr is the external endpoint of a mapping.
type ExtAddr struct {
	IP   net.IP
	Port uint16
}

type gateway interface {
	ExternalIP() (string, error)
	Forward(port uint16, desc string) error
	Clear(port uint16) error
	// MappedTo returns the internal address port is forwarded to.
	MappedTo(port uint16) (string, bool)
}

type igdGateway struct {
	*upnpc.IGD
}

func (g igdGateway) MappedTo(port uint16) (string, bool) {
	_, internalAddr, _, _, _, err := g.GetSpecificPortMappingEntry("", port)
	if err != nil {
		return "", false
	}
	return internalAddr, true
}

var (
	discoverGateway = func() (gateway, error) {
		igd, err := upnpc.Discover()
		if err != nil {
			return nil, err
		}
		return igdGateway{igd}, nil
	}
	localAddresses = netutil.LocalAddresses
)

// Mapper forwards one TCP port.
type Mapper struct {
	Port uint16
	Name string

	logger log.Logger
	gw     gateway
}

func NewMapper(port uint16, name string, logger log.Logger) *Mapper {
	return &Mapper{Port: port, Name: name, logger: logger}
}

// Map discovers the gateway and forwards Port to this host. A port already
// forwarded to one of our addresses is cleared and forwarded again.
func (m *Mapper) Map() (ExtAddr, error) {
	locals, err := localAddresses()
	if err != nil {
		return ExtAddr{}, errors.Wrap(err, "list interface addresses")
	}
	for _, ip := range locals {
		if !netutil.IsLAN(ip) {
			m.logger.Info("Skipping UPnP, host has a public address", "ip", ip)
			return ExtAddr{}, ErrPublicAddress
		}
	}

	gw, err := discoverGateway()
	if err != nil {
		return ExtAddr{}, errors.Wrap(err, "discover gateway")
	}
	m.gw = gw
	if _, err := m.externalIP(); err != nil {
		return ExtAddr{}, err
	}

	if internal, mapped := gw.MappedTo(m.Port); mapped {
		if !isLocal(internal, locals) {
			return ExtAddr{}, errors.Wrapf(ErrPortTaken, "port %d -> %s", m.Port, internal)
		}
		m.logger.Debug("Port previously mapped by this host", "port", m.Port, "internal", internal)
		if err := gw.Clear(m.Port); err != nil {
			m.logger.Info("Clearing old mapping failed", "port", m.Port, "err", err)
		}
	}
	if err := gw.Forward(m.Port, m.Name); err != nil {
		return ExtAddr{}, errors.Wrap(err, "add port mapping")
	}
	ip, err := m.externalIP()
	if err != nil {
		return ExtAddr{}, err
	}
	m.logger.Info("Added port mapping", "port", m.Port, "external", ip)
	return ExtAddr{IP: ip, Port: m.Port}, nil
}

func (m *Mapper) externalIP() (net.IP, error) {
	s, err := m.gw.ExternalIP()
	if err != nil {
		return nil, errors.Wrap(err, "external ip")
	}
	ip := net.ParseIP(s)
	if ip == nil || netutil.IsLAN(ip) {
		return nil, errors.Wrapf(ErrLocalExternalIP, "%q", s)
	}
	return ip, nil
}

// Unmap removes the mapping added by Map.
func (m *Mapper) Unmap() error {
	if m.gw == nil {
		return nil
	}
	return m.gw.Clear(m.Port)
}

func isLocal(addr string, locals []net.IP) bool {
	ip := net.ParseIP(addr)
	for _, l := range locals {
		if l.Equal(ip) {
			return true
		}
	}
	return false
}
