package outnet

import (
	"fmt"
	"net/netip"
	"time"

	syslog "github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

// TapSink receives copies of outgoing queries and incoming responses for
// telemetry. Implementations must not call back into the engine.
type TapSink interface {
	OutboundQuery(addr netip.AddrPort, pkt []byte, sent time.Time)
	OutboundResponse(addr netip.AddrPort, pkt []byte, sent, recv time.Time)
}

// SyslogTap logs query and response summaries to syslog.
type SyslogTap struct {
	writer *syslog.Writer
}

var _ TapSink = &SyslogTap{}

// SyslogTapOptions configure the syslog connection.
type SyslogTapOptions struct {
	// "udp", "tcp", "unix". Empty connects to the local syslog daemon
	Network string

	// Remote address, defaults to the local syslog server
	Address string

	// Priority value as per https://pkg.go.dev/log/syslog#Priority
	Priority int

	// Syslog tag
	Tag string
}

// NewSyslogTap returns a TapSink writing to syslog.
func NewSyslogTap(opt SyslogTapOptions) *SyslogTap {
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.Priority(opt.Priority), opt.Tag)
	if err != nil {
		// Log any error but don't block if this fails
		logrus.New().WithError(err).Error("failed to initialize syslog")
	}
	return &SyslogTap{writer: writer}
}

func (s *SyslogTap) OutboundQuery(addr netip.AddrPort, pkt []byte, sent time.Time) {
	if s.writer == nil {
		return
	}
	msg := fmt.Sprintf("type=outbound-query server=%s id=%d size=%d", addr, packetID(pkt), len(pkt))
	if _, err := s.writer.Write([]byte(msg)); err != nil {
		Log.WithError(err).Error("failed to write to syslog")
	}
}

func (s *SyslogTap) OutboundResponse(addr netip.AddrPort, pkt []byte, sent, recv time.Time) {
	if s.writer == nil {
		return
	}
	msg := fmt.Sprintf("type=outbound-response server=%s id=%d rcode=%d size=%d rtt=%s",
		addr, packetID(pkt), packetRcode(pkt), len(pkt), recv.Sub(sent))
	if _, err := s.writer.Write([]byte(msg)); err != nil {
		Log.WithError(err).Error("failed to write to syslog")
	}
}
