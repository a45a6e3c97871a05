package bootnode

import (
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
)

// Endpoint network endpoint
type Endpoint struct {
	IP   []string       `json:"ip"`
	Port map[string]int `json:"port"` //key:protocol, only tcp is used
}

// EndpointOf describes where c accepts connections.
func EndpointOf(c *contact.Contact) *Endpoint {
	ep := &Endpoint{
		Port: map[string]int{TCP: int(c.TCPPort)},
	}
	for _, ip := range c.Addresses {
		if ip.IsLoopback() {
			continue
		}
		ep.IP = append(ep.IP, ip.String())
	}
	return ep
}
