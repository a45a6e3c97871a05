// Package netutil contains address helpers shared by the DHT transports.
package netutil

import (
	"net"
	"strings"
)

// Netlist is a list of IP networks.
type Netlist []net.IPNet

var lan4, lan6 Netlist

func init() {
	// IANA IPv4 special-purpose registry, last updated 2017-07-03
	lan4.Add("0.0.0.0/8")
	lan4.Add("10.0.0.0/8")
	lan4.Add("100.64.0.0/10")
	lan4.Add("127.0.0.0/8")
	lan4.Add("169.254.0.0/16")
	lan4.Add("172.16.0.0/12")
	lan4.Add("192.0.0.0/24")
	lan4.Add("192.0.2.0/24")
	lan4.Add("192.88.99.0/24")
	lan4.Add("192.168.0.0/16")
	lan4.Add("198.18.0.0/15")
	lan4.Add("198.51.100.0/24")
	lan4.Add("203.0.113.0/24")
	lan4.Add("240.0.0.0/4")

	lan6.Add("fe80::/10") // link-local
	lan6.Add("fc00::/7")  // unique-local
}

// ParseNetlist parses a comma-separated list of CIDR masks.
// Whitespace and extra commas are ignored.
func ParseNetlist(s string) (*Netlist, error) {
	ws := strings.NewReplacer(" ", "", "\n", "", "\t", "")
	masks := strings.Split(ws.Replace(s), ",")
	l := make(Netlist, 0)
	for _, mask := range masks {
		if mask == "" {
			continue
		}
		_, n, err := net.ParseCIDR(mask)
		if err != nil {
			return nil, err
		}
		l = append(l, *n)
	}
	return &l, nil
}

// Add parses a CIDR mask and appends it to the list. It panics for invalid
// masks and is intended to be used for setting up static lists.
func (l *Netlist) Add(cidr string) {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	*l = append(*l, *n)
}

// Contains reports whether the given IP is contained in the list.
func (l *Netlist) Contains(ip net.IP) bool {
	if l == nil {
		return false
	}
	for _, n := range *l {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsLAN reports whether an IP is a local network address.
func IsLAN(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		return lan4.Contains(v4)
	}
	return lan6.Contains(ip)
}

// AddrIP gets the IP address contained in addr.
func AddrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	return nil
}

// LocalAddresses returns the unicast addresses of the interfaces that are
// up, loopback excluded.
func LocalAddresses() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, address := range addrs {
		ipnet, ok := address.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		ips = append(ips, ipnet.IP)
	}
	return ips, nil
}

// IsTemporaryError checks whether the given error should be considered
// temporary.
func IsTemporaryError(err error) bool {
	tempErr, ok := err.(interface {
		Temporary() bool
	})
	return ok && tempErr.Temporary()
}

// IsTimeout checks whether the given error is a timeout.
func IsTimeout(err error) bool {
	timeoutErr, ok := err.(interface {
		Timeout() bool
	})
	return ok && timeoutErr.Timeout()
}
