// +build !linux,!darwin,!freebsd,!netbsd,!openbsd

package discover

import "net"

func listenUDP(addr string) (net.PacketConn, error) {
	return net.ListenPacket("udp4", addr)
}
