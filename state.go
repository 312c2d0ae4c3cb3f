package outnet

import (
	"time"

	"github.com/miekg/dns"
)

// States of a serviced query. EDNS is probed first when the infra cache does
// not say otherwise; FORMERR/NOTIMPL or a recognizably garbled reply drops
// to the fallback state; a truncated reply moves to the TCP states.
type servicedState int

const (
	servicedInitial servicedState = iota
	servicedUDP
	servicedUDPEDNS
	servicedUDPEDNSFrag
	servicedUDPEDNSFallback
	servicedTCP
	servicedTCPEDNS
	servicedTCPEDNSFallback
)

func (s servicedState) String() string {
	switch s {
	case servicedInitial:
		return "initial"
	case servicedUDP:
		return "udp"
	case servicedUDPEDNS:
		return "udp-edns"
	case servicedUDPEDNSFrag:
		return "udp-edns-frag"
	case servicedUDPEDNSFallback:
		return "udp-edns-fallback"
	case servicedTCP:
		return "tcp"
	case servicedTCPEDNS:
		return "tcp-edns"
	case servicedTCPEDNSFallback:
		return "tcp-edns-fallback"
	}
	return "unknown"
}

// True when queries in this state are sent with an OPT record.
func (s servicedState) withEDNS() bool {
	return s == servicedUDPEDNS || s == servicedUDPEDNSFrag || s == servicedTCPEDNS
}

// What the transport reported for one send.
type replyEvent struct {
	// Transport error, nil when a reply arrived
	Err error

	// Fields of the reply, valid when Err is nil
	Rcode         int
	TC            bool
	MalformedEDNS bool
}

type stateAction int

const (
	actDeliver stateAction = iota
	actError
	actResendUDP
	actResendTCP
	actInitiateTCP
)

// transition is the outcome of one transport event: the next state, the
// network action to take, and which infra writes to perform before it.
type transition struct {
	next   servicedState
	action stateAction
	err    error // for actError

	resetRetry bool
	incRetry   bool

	rttTimeout bool // record a timeout (-1) roundtrip
	recordRTT  bool // record the measured roundtrip
	ednsWorks  bool // record that the peer answers EDNS
	ednsLame   bool // record that the peer wants plain DNS
}

// Below this last-known roundtrip a timeout is blamed on fragmentation
// rather than distance, and a smaller advertisement is tried first.
const fragFallbackRTT = 5000 * time.Millisecond

// Pure transition for UDP transport events.
func udpTransition(st servicedState, ev replyEvent, lastRTT time.Duration, retry int, ednsLameKnown bool) transition {
	if ev.Err == ErrTimeout {
		if st == servicedUDPEDNS && lastRTT < fragFallbackRTT {
			// The answer may not fit the path MTU, advertise less
			return transition{next: servicedUDPEDNSFrag, action: actResendUDP}
		}
		t := transition{next: st, incRetry: true, rttTimeout: true}
		if st == servicedUDPEDNSFrag {
			// Smaller advertisement did not fix it
			t.next = servicedUDPEDNS
		}
		if retry+1 < outboundUDPRetry {
			t.action = actResendUDP
		} else {
			t.action = actError
			t.err = ErrTimeout
		}
		return t
	}
	if ev.Err != nil {
		return transition{next: st, action: actError, err: ev.Err}
	}

	ednsState := st == servicedUDPEDNS || st == servicedUDPEDNSFrag
	if ednsState && (ev.Rcode == dns.RcodeFormatError || ev.Rcode == dns.RcodeNotImplemented || ev.MalformedEDNS) {
		// Try for an answer without EDNS
		return transition{next: servicedUDPEDNSFallback, action: actResendUDP, resetRetry: true}
	}
	t := transition{next: st, action: actDeliver, recordRTT: true}
	if st == servicedUDPEDNS && !ednsLameKnown {
		t.ednsWorks = true
	} else if st == servicedUDPEDNSFallback && !ednsLameKnown && promisingRcode(ev.Rcode) {
		t.ednsLame = true
		t.next = servicedUDP
	}
	if ev.TC {
		// TC fallback happens after the infra notes above are taken
		if t.next == servicedUDP {
			t.next = servicedTCP
		} else {
			t.next = servicedTCPEDNS
		}
		t.action = actInitiateTCP
	}
	return t
}

// Pure transition for stream transport events.
func tcpTransition(st servicedState, ev replyEvent, ednsLameKnown bool) transition {
	if ev.Err != nil {
		return transition{next: st, action: actError, err: ev.Err, rttTimeout: true}
	}
	if st == servicedTCPEDNS && (ev.Rcode == dns.RcodeFormatError || ev.Rcode == dns.RcodeNotImplemented) {
		return transition{next: servicedTCPEDNSFallback, action: actResendTCP}
	}
	t := transition{next: st, action: actDeliver, recordRTT: true}
	if st == servicedTCPEDNSFallback && !ednsLameKnown && promisingRcode(ev.Rcode) {
		t.ednsLame = true
		t.next = servicedTCP
	}
	return t
}

// A fallback answer with one of these codes suggests the peer is healthy,
// just EDNS-lame.
func promisingRcode(rc int) bool {
	return rc == dns.RcodeSuccess || rc == dns.RcodeNameError || rc == dns.RcodeYXDomain
}
