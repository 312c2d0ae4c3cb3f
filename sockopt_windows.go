//go:build windows

package outnet

import (
	"net"
	"syscall"
)

func setUDPDSCP(conn *net.UDPConn, ip6 bool, dscp int) {}

func tcpControl(mss, dscp int, ip6 bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
