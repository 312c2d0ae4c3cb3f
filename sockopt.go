//go:build !windows

package outnet

import (
	"net"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// Apply the DSCP to an open UDP socket. Failure is logged, not fatal, some
// platforms refuse the option.
func setUDPDSCP(conn *net.UDPConn, ip6 bool, dscp int) {
	var err error
	if ip6 {
		err = ipv6.NewPacketConn(conn).SetTrafficClass(dscp << 2)
	} else {
		err = ipv4.NewPacketConn(conn).SetTOS(dscp << 2)
	}
	if err != nil {
		Log.WithFields(logrus.Fields{"dscp": dscp, "error": err}).Debug("failed to set dscp")
	}
}

// Socket options for outbound TCP sockets, installed before connect:
// SO_REUSEADDR so source ports recycle quickly, optional TCP_MAXSEG, and the
// DSCP.
func tcpControl(mss, dscp int, ip6 bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if serr != nil {
				return
			}
			if mss > 0 {
				if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_MAXSEG, mss); err != nil {
					Log.WithFields(logrus.Fields{"mss": mss, "error": err}).Debug("failed to set tcp mss")
				}
			}
			if dscp > 0 {
				var err error
				if ip6 {
					err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscp<<2)
				} else {
					err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
				}
				if err != nil {
					Log.WithFields(logrus.Fields{"dscp": dscp, "error": err}).Debug("failed to set dscp")
				}
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
