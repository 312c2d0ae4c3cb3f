package outnet

import (
	crand "crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Library version, reported in the HTTP User-Agent.
const version = "0.1.0"

const (
	// Give up looking for a free source port after this many random picks.
	maxPortRetry = 10000

	// Give up looking for an unused transaction ID for a destination after
	// this many random picks.
	maxIDRetry = 1000

	// Number of UDP sends for one serviced query counted by its retry
	// counter, the first send included. The resend with the smaller EDNS
	// advertisement after a timeout is not counted.
	outboundUDPRetry = 1

	// Upper bound on the number of queries in flight on one reused stream.
	maxReuseTCPQueries = 200

	// Random ID picks on a reused stream before switching to the exhaustive
	// free-slot walk.
	maxReuseIDRetry = 2000

	// Idle timeout for a reused stream with nothing outstanding.
	reuseTimeout = 60 * time.Second

	// Timeout for TCP connect and for queries to TLS-authenticated servers.
	tcpAuthQueryTimeout = 3 * time.Second

	// Servers without a recorded RTT are assumed at least this slow.
	unknownServerNiceness = 376 * time.Millisecond

	// Measurements at or above this are discarded, the system likely slept.
	rttMaxSane = 60 * time.Second

	// Read buffer size for UDP replies.
	udpBufferSize = 65536
)

// Options configure an engine instance.
type Options struct {
	// ID used in the expvar metrics path, "default" if empty.
	ID string

	// Local addresses to send from, IPv4 and IPv6 mixed. An IPv6 address may
	// carry a /prefix suffix, in which case the host part is randomized for
	// every socket opened. Defaults to the unspecified address of both
	// families.
	Interfaces []string

	// Source ports available on every interface. Defaults to 1024-65535.
	Ports []uint16

	// Size of the outbound stream (TCP/TLS) slot pool.
	NumTCP int

	// Max streams kept open for reuse, defaults to NumTCP.
	TCPReuseMax int

	// DSCP value for outgoing packets, 0 leaves the default.
	DSCP int

	// Maximum segment size set on outbound TCP sockets, 0 leaves the default.
	TCPMSS int

	// After this many replies that matched no pending query, UnwantedAction
	// is invoked and the count starts over. 0 disables the check.
	UnwantedThreshold int
	UnwantedAction    func()

	// Keep a UDP source port open this long after its query timed out, to
	// absorb late replies without ICMP errors. 0 closes immediately.
	DelayClose time.Duration

	// Randomize the 0x20 bits of outgoing qnames and verify the echo.
	UseCapsForID bool

	// Do not send a query's TLS auth name as SNI; the peer certificate is
	// still verified against it.
	TLSNoSNI bool

	// TLS context for upstream TLS connections. Nil uses a default config
	// with system roots.
	TLSConfig *tls.Config

	// Per-server RTT and EDNS state. Defaults to an in-memory cache.
	Infra Infra

	// Optional telemetry sink and which directions to report.
	Tap                 TapSink
	LogQueryMessages    bool
	LogResponseMessages bool
}

// OutsideNetwork is the engine: it owns the UDP port pool, the stream slot
// pool with its reuse cache, the pending registries and the serviced-query
// layer. All methods are safe for concurrent use.
type OutsideNetwork struct {
	opt     Options
	infra   Infra
	metrics *TransportMetrics

	mu  sync.Mutex
	rnd *rand.Rand

	ip4, ip6 []*Interface

	pending         map[pendingKey]*pendingUDP
	udpWaitFirst    *pendingUDP
	udpWaitLast     *pendingUDP
	unwantedTotal   int
	unwantedReplies uint64

	tcpSlots     []*tcpSlot
	tcpFree      *tcpSlot
	tcpWaitFirst *waitingTCP
	tcpWaitLast  *waitingTCP

	reuseList []*reuseConn // sorted by (addr, port, tls, seq)
	lruHead   *reuseConn   // sentinel, freshest after head
	lruTail   *reuseConn   // sentinel
	reuseSeq  uint64

	serviced map[servicedKey]*ServicedQuery

	wantToQuit bool
}

// New returns a ready engine.
func New(opt Options) (*OutsideNetwork, error) {
	if opt.ID == "" {
		opt.ID = "default"
	}
	if opt.NumTCP == 0 {
		opt.NumTCP = 10
	}
	if opt.TCPReuseMax == 0 {
		opt.TCPReuseMax = opt.NumTCP
	}
	if len(opt.Interfaces) == 0 {
		opt.Interfaces = []string{"0.0.0.0", "::"}
	}
	if len(opt.Ports) == 0 {
		opt.Ports = defaultPorts()
	}
	infra := opt.Infra
	if infra == nil {
		infra = NewCachedInfra()
	}
	o := &OutsideNetwork{
		opt:      opt,
		infra:    infra,
		metrics:  NewTransportMetrics(opt.ID),
		rnd:      newRand(),
		pending:  make(map[pendingKey]*pendingUDP),
		serviced: make(map[servicedKey]*ServicedQuery),
	}
	for _, s := range opt.Interfaces {
		ifc, err := newInterface(s, opt.Ports)
		if err != nil {
			return nil, err
		}
		if ifc.ip.Is4() {
			o.ip4 = append(o.ip4, ifc)
		} else {
			o.ip6 = append(o.ip6, ifc)
		}
	}

	// Stream slot pool with a LIFO free list
	o.tcpSlots = make([]*tcpSlot, opt.NumTCP)
	for i := range o.tcpSlots {
		t := &tcpSlot{outnet: o, index: i}
		t.reuse.slot = t
		o.tcpSlots[i] = t
		t.freeNext = o.tcpFree
		o.tcpFree = t
	}

	// Reuse LRU with sentinels, freshest at the head
	o.lruHead = new(reuseConn)
	o.lruTail = new(reuseConn)
	o.lruHead.lruNext = o.lruTail
	o.lruTail.lruPrev = o.lruHead
	return o, nil
}

// Close shuts the engine down. Entries still parked on the wait lists and all
// in-flight queries are delivered ErrClosed, sockets are closed, and new
// queries are rejected from here on.
func (o *OutsideNetwork) Close() {
	o.mu.Lock()
	if o.wantToQuit {
		o.mu.Unlock()
		return
	}
	o.wantToQuit = true

	var cbs []func()

	// Wait lists first, they hold no sockets
	for w := o.udpWaitFirst; w != nil; w = w.next {
		cbs = append(cbs, failPendingUDP(w))
	}
	o.udpWaitFirst, o.udpWaitLast = nil, nil
	for w := o.tcpWaitFirst; w != nil; w = w.waitNext {
		w.onWaitList = false
		cbs = append(cbs, failWaitingTCP(w))
	}
	o.tcpWaitFirst, o.tcpWaitLast = nil, nil

	// In-flight UDP
	for k, p := range o.pending {
		delete(o.pending, k)
		if p.timer != nil {
			p.timer.Stop()
		}
		if p.pc != nil {
			o.portcommLowerUse(p.pc)
		}
		cbs = append(cbs, failPendingUDP(p))
	}

	// Streams, busy or idle
	for _, t := range o.tcpSlots {
		cbs = append(cbs, o.decommissionLocked(t, ErrClosed)...)
	}
	o.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func failPendingUDP(p *pendingUDP) func() {
	cb := p.cb
	p.cb = nil
	if cb == nil {
		return func() {}
	}
	return func() { cb(nil, ErrClosed) }
}

func failWaitingTCP(w *waitingTCP) func() {
	if w.timer != nil {
		w.timer.Stop()
	}
	cb := w.cb
	w.cb = nil
	if cb == nil {
		return func() {}
	}
	return func() { cb(nil, ErrClosed) }
}

// Ports used when none are configured.
func defaultPorts() []uint16 {
	ports := make([]uint16, 0, 65536-1024)
	for p := 1024; p < 65536; p++ {
		ports = append(ports, uint16(p))
	}
	return ports
}

// Seed from the system entropy pool, the IDs and ports picked from this
// generator are part of the spoofing defense.
func newRand() *rand.Rand {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		Log.WithFields(logrus.Fields{"error": err}).Error("failed to seed from system entropy, falling back to time")
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(b[:]))))
}

func family(addr netip.AddrPort) int {
	if addr.Addr().Unmap().Is4() {
		return 4
	}
	return 6
}
