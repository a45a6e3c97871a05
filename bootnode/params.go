package bootnode

import (
	"fmt"
	"strings"
	"sync"
)

// servers rotates through the configured seed servers.
type servers struct {
	mtx   sync.Mutex
	addrs []string
	index int
}

// newServers normalizes addrs, which are either full URLs or bare
// host:port pairs that default to https.
func newServers(addrs []string) *servers {
	s := &servers{}
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
			addr = fmt.Sprintf("https://%s", addr)
		}
		s.addrs = append(s.addrs, strings.TrimRight(addr, "/"))
	}
	return s
}

func (s *servers) num() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.addrs)
}

// next returns the server after the last one handed out.
func (s *servers) next() (addr string) {
	s.mtx.Lock()
	if len(s.addrs) != 0 {
		s.index = s.index % len(s.addrs)
		addr = s.addrs[s.index]
		s.index++
	}
	s.mtx.Unlock()
	return
}
