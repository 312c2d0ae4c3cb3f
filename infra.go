package outnet

import (
	"net/netip"
	"sync"
	"time"
)

// Infra is the per-destination-server knowledge the engine consults before
// sending and updates after every completion: expected roundtrip time (used
// as the query timeout, with backoff applied by the implementation) and
// whether the server answers EDNS queries.
//
// The resolver embedding the engine normally supplies its own
// implementation backed by its infrastructure cache; CachedInfra below is a
// self-contained default.
type Infra interface {
	// Host returns the timeout to use for the next query to addr, the EDNS
	// status (0 supported, -1 lame) and whether that status was ever
	// recorded.
	Host(addr netip.AddrPort) (timeout time.Duration, edns int, lameKnown bool)

	// UpdateRTT records a measured roundtrip, or a timeout when rtt is
	// negative. orig is the timeout the query was sent with.
	UpdateRTT(addr netip.AddrPort, rtt, orig time.Duration)

	// UpdateEDNS records the EDNS status of a server, 0 or -1.
	UpdateEDNS(addr netip.AddrPort, version int)

	// UpdateTCPWorks records that a stream exchange with addr succeeded.
	UpdateTCPWorks(addr netip.AddrPort)
}

// Ceiling for the backed-off timeout.
const infraMaxTimeout = 120 * time.Second

// CachedInfra is an in-memory Infra with smoothed roundtrip estimates and
// exponential backoff on timeouts.
type CachedInfra struct {
	mu    sync.Mutex
	hosts map[netip.AddrPort]*hostEntry
}

type hostEntry struct {
	srtt, rttvar, rto time.Duration
	edns              int
	lameKnown         bool
	tcpWorks          bool
}

var _ Infra = &CachedInfra{}

func NewCachedInfra() *CachedInfra {
	return &CachedInfra{hosts: make(map[netip.AddrPort]*hostEntry)}
}

func (c *CachedInfra) entry(addr netip.AddrPort) *hostEntry {
	h, ok := c.hosts[addr]
	if !ok {
		h = &hostEntry{rto: unknownServerNiceness}
		c.hosts[addr] = h
	}
	return h
}

func (c *CachedInfra) Host(addr netip.AddrPort) (time.Duration, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.entry(addr)
	return h.rto, h.edns, h.lameKnown
}

func (c *CachedInfra) UpdateRTT(addr netip.AddrPort, rtt, orig time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.entry(addr)
	if rtt < 0 {
		// Timeout, back off but only from the timeout the query actually
		// used, so stale completions don't double-bump
		if orig >= h.rto {
			h.rto *= 2
			if h.rto > infraMaxTimeout {
				h.rto = infraMaxTimeout
			}
		}
		return
	}
	// RFC 6298 style smoothing
	if h.srtt == 0 {
		h.srtt = rtt
		h.rttvar = rtt / 2
	} else {
		d := h.srtt - rtt
		if d < 0 {
			d = -d
		}
		h.rttvar = (3*h.rttvar + d) / 4
		h.srtt = (7*h.srtt + rtt) / 8
	}
	h.rto = h.srtt + 4*h.rttvar
	if h.rto < unknownServerNiceness {
		h.rto = unknownServerNiceness
	}
}

func (c *CachedInfra) UpdateEDNS(addr netip.AddrPort, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.entry(addr)
	h.edns = version
	h.lameKnown = true
}

func (c *CachedInfra) UpdateTCPWorks(addr netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(addr).tcpWorks = true
}

// TCPWorks reports whether a stream exchange with addr ever succeeded.
func (c *CachedInfra) TCPWorks(addr netip.AddrPort) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry(addr).tcpWorks
}
