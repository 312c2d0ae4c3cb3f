package outnet

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Header and EDNS bits accepted in ServicedQueryOpts.
const (
	// BitRD asks the upstream to recurse, set when querying a forwarder.
	BitRD uint16 = 0x0100
	// BitCD in DNSSEC disables upstream validation.
	BitCD uint16 = 0x0010
	// EDNSDO in DNSSEC requests DNSSEC records.
	EDNSDO uint16 = 0x8000
)

// Callback delivers the final result of a serviced query. Exactly one of a
// reply or an error arrives, once, for every registered callback. When
// several callbacks are registered each receives its own copy of the reply.
type Callback func(reply *dns.Msg, rtt time.Duration, err error)

type serviceCallback struct {
	cb  Callback
	arg any
}

// ServicedQueryOpts describe one upstream query.
type ServicedQueryOpts struct {
	// Query name, class and type. Name is canonicalized to a FQDN, class
	// defaults to IN.
	Name   string
	Qtype  uint16
	Qclass uint16

	// Header flags for the outgoing query, BitRD is the useful one.
	Flags uint16

	// EDNSDO and/or BitCD.
	DNSSEC uint16

	// The caller needs DNSSEC records, the peer is never marked EDNS-lame.
	WantDNSSEC bool

	// Disable 0x20 randomization for this query.
	NoCaps bool

	// Use TCP, or TLS, from the start instead of UDP with TCP fallback.
	TCPUpstream bool
	TLSUpstream bool

	// Name the TLS peer must authenticate as.
	TLSAuthName string

	// Where to send the query.
	Addr netip.AddrPort

	// EDNS options attached to the OPT record, part of the dedup identity.
	EDNSOpts []dns.EDNS0
}

// Identity for deduplication. Queries agreeing on all fields share one wire
// transaction.
type servicedKey struct {
	qname  string // lowercased FQDN
	qtype  uint16
	qclass uint16
	dnssec uint16
	addr   netip.AddrPort
	opts   string // EDNS option list, deep-compared via its encoding
}

// ServicedQuery is one deduplicated upstream query and its fallback state.
type ServicedQuery struct {
	outnet *OutsideNetwork
	key    servicedKey
	opts   ServicedQueryOpts

	status        servicedState
	retry         int
	lastSent      time.Time
	lastRTT       time.Duration
	ednsLameKnown bool
	toBeDeleted   bool

	// The wire form of the qname as last sent, 0x20 bits included
	sentQname []byte

	callbacks []serviceCallback

	// At most one of these is set at any time
	udpPending *pendingUDP
	tcpWaiter  *waitingTCP
}

// ServicedQuery sends a query, or joins the identical one already in
// flight, and registers cb for the result. cbArg identifies the
// registration for Stop and must be comparable. The same cbArg may be
// registered more than once; each registration gets a callback.
func (o *OutsideNetwork) ServicedQuery(opts ServicedQueryOpts, cb Callback, cbArg any) (*ServicedQuery, error) {
	opts.Name = dns.Fqdn(opts.Name)
	if opts.Qclass == 0 {
		opts.Qclass = dns.ClassINET
	}
	key := servicedKey{
		qname:  strings.ToLower(opts.Name),
		qtype:  opts.Qtype,
		qclass: opts.Qclass,
		dnssec: opts.DNSSEC,
		addr:   opts.Addr,
		opts:   ednsOptsKey(opts.EDNSOpts),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.wantToQuit {
		return nil, ErrClosed
	}
	if sq, ok := o.serviced[key]; ok {
		sq.callbacks = append(sq.callbacks, serviceCallback{cb, cbArg})
		return sq, nil
	}
	sq := &ServicedQuery{
		outnet:    o,
		key:       key,
		opts:      opts,
		status:    servicedInitial,
		callbacks: []serviceCallback{{cb, cbArg}},
	}
	o.serviced[key] = sq

	var err error
	if opts.TCPUpstream || opts.TLSUpstream {
		err = sq.tcpSendLocked()
	} else {
		err = sq.udpSendLocked()
	}
	if err != nil {
		delete(o.serviced, key)
		Log.WithFields(logrus.Fields{"qname": opts.Name, "addr": opts.Addr, "error": err}).Debug("failed to send serviced query")
		return nil, ErrClosed
	}
	return sq, nil
}

// Stop removes one registration, identified by cbArg, without invoking it.
// When the last registration goes, the entry leaves the dedup tree and its
// transport is torn down. Stopping twice is harmless, the second call finds
// no callback.
func (sq *ServicedQuery) Stop(cbArg any) {
	o := sq.outnet
	o.mu.Lock()
	for i, c := range sq.callbacks {
		if c.arg == cbArg {
			sq.callbacks = append(sq.callbacks[:i], sq.callbacks[i+1:]...)
			break
		}
	}
	if len(sq.callbacks) > 0 || sq.toBeDeleted {
		o.mu.Unlock()
		return
	}
	delete(o.serviced, sq.key)
	sq.toBeDeleted = true
	var drains []func()
	if p := sq.udpPending; p != nil {
		sq.udpPending = nil
		o.removePendingUDP(p)
		drains = o.drainUDPWaitLocked()
	}
	if w := sq.tcpWaiter; w != nil {
		sq.tcpWaiter = nil
		o.removeWaitingTCP(w)
	}
	o.mu.Unlock()
	for _, f := range drains {
		f()
	}
}

// Encode the query packet for the current state, perturbing the 0x20 bits
// of the qname when enabled. The ID is left zero for the transport to fill
// in. Caller holds the engine lock.
func (sq *ServicedQuery) encode(withEDNS bool) ([]byte, error) {
	o := sq.outnet
	name := sq.opts.Name
	if o.opt.UseCapsForID && !sq.opts.NoCaps && sq.opts.Qtype != dns.TypePTR {
		name = perturbName(o.rnd, name)
	}
	wire, err := packName(name)
	if err != nil {
		return nil, err
	}
	sq.sentQname = wire

	m := new(dns.Msg)
	m.Question = []dns.Question{{Name: name, Qtype: sq.opts.Qtype, Qclass: sq.opts.Qclass}}
	m.RecursionDesired = sq.opts.Flags&BitRD != 0
	m.CheckingDisabled = sq.opts.DNSSEC&BitCD != 0
	if withEDNS {
		opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		size := uint16(ednsAdvertisedSize)
		if sq.status == servicedUDPEDNSFrag {
			size = ednsFragSize(sq.opts.Addr)
		}
		opt.SetUDPSize(size)
		if sq.opts.DNSSEC&EDNSDO != 0 {
			opt.SetDo()
		}
		opt.Option = sq.opts.EDNSOpts
		m.Extra = []dns.RR{opt}
	}
	return m.Pack()
}

// Send, or resend, over UDP. EDNS is used unless the infra cache has the
// peer marked lame. Caller holds the engine lock.
func (sq *ServicedQuery) udpSendLocked() error {
	o := sq.outnet
	timeout, edns, lameKnown := o.infra.Host(sq.opts.Addr)
	sq.lastRTT = timeout
	if sq.status == servicedInitial {
		if edns != -1 {
			sq.status = servicedUDPEDNS
		} else {
			sq.status = servicedUDP
		}
	}
	pkt, err := sq.encode(sq.status.withEDNS())
	if err != nil {
		return err
	}
	sq.lastSent = time.Now()
	sq.ednsLameKnown = lameKnown
	p, err := o.sendUDPLocked(pkt, sq.opts.Addr, timeout, sq.udpCallback)
	if err != nil {
		return err
	}
	sq.udpPending = p
	sq.tapQuery(pkt)
	return nil
}

// First send over a stream, for queries configured TCP or TLS upstream.
// Caller holds the engine lock.
func (sq *ServicedQuery) tcpSendLocked() error {
	o := sq.outnet
	rtt, edns, lameKnown := o.infra.Host(sq.opts.Addr)
	sq.lastRTT = rtt
	sq.ednsLameKnown = lameKnown
	if edns != -1 {
		sq.status = servicedTCPEDNS
	} else {
		sq.status = servicedTCP
	}
	// Slow servers get their historic roundtrip as budget, everyone else
	// the stock stream timeout
	timeout := tcpAuthQueryTimeout
	if rtt >= unknownServerNiceness && rtt > tcpAuthQueryTimeout {
		timeout = rtt
	}
	return sq.tcpTransact(timeout)
}

// Fall back to a stream after a truncated or garbled UDP exchange. Caller
// holds the engine lock.
func (sq *ServicedQuery) tcpInitiateLocked() {
	Log.WithFields(logrus.Fields{"qname": sq.opts.Name, "state": sq.status.String()}).Debug("initiate tcp query")
	if err := sq.tcpTransact(tcpAuthQueryTimeout); err != nil {
		dispatch := sq.deliverLocked(nil, ErrClosed)
		o := sq.outnet
		o.mu.Unlock()
		dispatch()
		o.mu.Lock()
	}
}

func (sq *ServicedQuery) tcpTransact(timeout time.Duration) error {
	o := sq.outnet
	pkt, err := sq.encode(sq.status == servicedTCPEDNS)
	if err != nil {
		return err
	}
	sq.lastSent = time.Now()
	w, err := o.sendTCPLocked(pkt, sq.opts.Addr, sq.opts.TLSUpstream, sq.opts.TLSAuthName, timeout, sq.tcpCallback)
	if err != nil {
		return err
	}
	sq.tcpWaiter = w
	sq.tapQuery(pkt)
	return nil
}

// Result of the UDP transport. Runs without the engine lock held.
func (sq *ServicedQuery) udpCallback(pkt []byte, err error) {
	o := sq.outnet
	o.mu.Lock()
	sq.udpPending = nil
	if sq.toBeDeleted {
		o.mu.Unlock()
		return
	}
	ev := replyEvent{Err: err}
	if err == nil {
		ev.Rcode = packetRcode(pkt)
		ev.TC = packetTC(pkt)
		ev.MalformedEDNS = ednsMalformed(pkt, sq.opts.Qtype)
		sq.tapResponse(pkt)
	}
	tr := udpTransition(sq.status, ev, sq.lastRTT, sq.retry, sq.ednsLameKnown)
	sq.applyLocked(tr, pkt)
}

// Result of the stream transport. Runs without the engine lock held.
func (sq *ServicedQuery) tcpCallback(pkt []byte, err error) {
	o := sq.outnet
	o.mu.Lock()
	sq.tcpWaiter = nil
	if sq.toBeDeleted {
		o.mu.Unlock()
		return
	}
	ev := replyEvent{Err: err}
	if err == nil {
		ev.Rcode = packetRcode(pkt)
		o.infra.UpdateTCPWorks(sq.opts.Addr)
		sq.tapResponse(pkt)
	}
	tr := tcpTransition(sq.status, ev, sq.ednsLameKnown)
	sq.applyLocked(tr, pkt)
}

// Perform a transition's infra writes and network action. Takes the engine
// lock held and releases it.
func (sq *ServicedQuery) applyLocked(tr transition, pkt []byte) {
	o := sq.outnet
	onStream := sq.status == servicedTCP || sq.status == servicedTCPEDNS || sq.status == servicedTCPEDNSFallback
	sq.status = tr.next
	if tr.resetRetry {
		sq.retry = 0
	}
	if tr.incRetry {
		sq.retry++
	}
	// Timeout roundtrips always count against UDP; on streams only for
	// servers that are stream-only upstreams
	if tr.rttTimeout && (!onStream || sq.opts.TCPUpstream || sq.opts.TLSUpstream) {
		o.infra.UpdateRTT(sq.opts.Addr, -1, sq.lastRTT)
	}
	if tr.ednsWorks {
		o.infra.UpdateEDNS(sq.opts.Addr, 0)
		sq.ednsLameKnown = true
	}
	if tr.ednsLame && !sq.opts.WantDNSSEC {
		o.infra.UpdateEDNS(sq.opts.Addr, -1)
	}
	if tr.recordRTT && (!onStream || sq.opts.TCPUpstream || sq.opts.TLSUpstream) {
		if rt := time.Since(sq.lastSent); rt >= 0 && rt < rttMaxSane {
			o.infra.UpdateRTT(sq.opts.Addr, rt, sq.lastRTT)
		}
	}

	switch tr.action {
	case actResendUDP:
		if err := sq.udpSendLocked(); err != nil {
			dispatch := sq.deliverLocked(nil, ErrClosed)
			o.mu.Unlock()
			dispatch()
			return
		}
		o.mu.Unlock()
	case actResendTCP, actInitiateTCP:
		sq.tcpInitiateLocked()
		o.mu.Unlock()
	case actDeliver:
		dispatch := sq.deliverLocked(pkt, nil)
		o.mu.Unlock()
		dispatch()
	case actError:
		dispatch := sq.deliverLocked(nil, tr.err)
		o.mu.Unlock()
		dispatch()
	}
}

// Final delivery. Verifies the 0x20 bits, removes the entry from the dedup
// tree so callbacks can register identical queries, and returns the
// dispatch step to run without the lock. Caller holds the engine lock.
func (sq *ServicedQuery) deliverLocked(pkt []byte, err error) func() {
	o := sq.outnet
	if o.opt.UseCapsForID && err == nil && !sq.opts.NoCaps && sq.opts.Qtype != dns.TypePTR {
		rc := packetRcode(pkt)
		if packetQDCount(pkt) == 0 && (rc == dns.RcodeSuccess || rc == dns.RcodeNameError) {
			// No qname to verify, not acceptable
			Log.WithFields(logrus.Fields{"addr": sq.opts.Addr}).Info("no qname in reply to check 0x20 bits")
			err = ErrClosed
			pkt = nil
		} else if packetQDCount(pkt) > 0 {
			if !checkCapsQname(pkt, sq.sentQname) {
				Log.WithFields(logrus.Fields{"addr": sq.opts.Addr, "qname": sq.opts.Name}).Info("wrong 0x20 bits in reply qname")
				err = ErrCapsFail
			}
			// Lowercase for prettier upstream processing either way
			lowercasePktQname(pkt)
		}
	}
	delete(o.serviced, sq.key)
	sq.toBeDeleted = true
	cbs := sq.callbacks
	sq.callbacks = nil
	rtt := time.Since(sq.lastSent)

	return func() {
		var msg *dns.Msg
		if err == nil {
			msg = new(dns.Msg)
			if uerr := msg.Unpack(pkt); uerr != nil {
				Log.WithFields(logrus.Fields{"addr": sq.opts.Addr, "error": uerr}).Debug("failed to parse reply")
				msg = nil
				err = ErrClosed
			}
		}
		for _, c := range cbs {
			m := msg
			if msg != nil && len(cbs) > 1 {
				// Callbacks may issue new queries that scribble over shared
				// buffers, every one gets its own copy
				m = msg.Copy()
			}
			c.cb(m, rtt, err)
		}
	}
}

func (sq *ServicedQuery) tapQuery(pkt []byte) {
	o := sq.outnet
	if o.opt.Tap == nil || !o.opt.LogQueryMessages {
		return
	}
	o.opt.Tap.OutboundQuery(sq.opts.Addr, append([]byte(nil), pkt...), sq.lastSent)
}

func (sq *ServicedQuery) tapResponse(pkt []byte) {
	o := sq.outnet
	if o.opt.Tap == nil || !o.opt.LogResponseMessages {
		return
	}
	o.opt.Tap.OutboundResponse(sq.opts.Addr, append([]byte(nil), pkt...), sq.lastSent, time.Now())
}

// Stable encoding of an EDNS option list for the dedup key.
func ednsOptsKey(opts []dns.EDNS0) string {
	if len(opts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, op := range opts {
		fmt.Fprintf(&b, "%d=%s;", op.Option(), op.String())
	}
	return b.String()
}
