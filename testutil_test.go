package outnet

import (
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// Ports for the engine to bind in tests. Random high ports; the engine
// retries with a fresh pick when one is taken.
func testPorts() []uint16 {
	ports := make([]uint16, 64)
	for i := range ports {
		ports[i] = uint16(20000 + rand.Intn(40000))
	}
	return ports
}

func newTestEngine(t *testing.T, opt Options) *OutsideNetwork {
	t.Helper()
	if opt.Interfaces == nil {
		opt.Interfaces = []string{"127.0.0.1"}
	}
	if opt.Ports == nil {
		opt.Ports = testPorts()
	}
	o, err := New(opt)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

// Infra stub with fixed answers, recording updates.
type stubInfra struct {
	mu        sync.Mutex
	timeout   time.Duration
	edns      int
	lameKnown bool

	rtts     []time.Duration
	ednsSet  []int
	tcpWorks int
}

func newStubInfra(timeout time.Duration) *stubInfra {
	return &stubInfra{timeout: timeout}
}

func (s *stubInfra) Host(addr netip.AddrPort) (time.Duration, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout, s.edns, s.lameKnown
}

func (s *stubInfra) UpdateRTT(addr netip.AddrPort, rtt, orig time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtts = append(s.rtts, rtt)
}

func (s *stubInfra) UpdateEDNS(addr netip.AddrPort, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edns = version
	s.lameKnown = true
	s.ednsSet = append(s.ednsSet, version)
}

func (s *stubInfra) UpdateTCPWorks(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tcpWorks++
}

func (s *stubInfra) ednsUpdates() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.ednsSet...)
}

// UDP responder on the loopback. The handler gets the raw query and returns
// the packets to send back, none to stay silent.
func startUDPResponder(t *testing.T, handler func(q []byte) [][]byte) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 65536)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			q := make([]byte, n)
			copy(q, buf[:n])
			for _, r := range handler(q) {
				conn.WriteToUDPAddrPort(r, from)
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// TCP responder serving length-prefixed DNS on the loopback, one reply per
// query. Returns the address and a counter of accepted connections.
func startTCPResponder(t *testing.T, handler func(q []byte) [][]byte) (netip.AddrPort, *int32) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	var accepts int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepts, 1)
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					q, err := readTCPMsg(conn)
					if err != nil {
						return
					}
					for _, r := range handler(q) {
						if err := writeTCPMsg(conn, r); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).AddrPort(), &accepts
}

func readTCPMsg(conn net.Conn) ([]byte, error) {
	lenbuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, lenbuf); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(lenbuf))
	if _, err := io.ReadFull(conn, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func writeTCPMsg(conn net.Conn, msg []byte) error {
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := conn.Write(buf)
	return err
}

// Build a reply for a raw query: echo the question and ID, add an A record,
// then let mutate adjust it.
func dnsReply(t *testing.T, q []byte, mutate func(*dns.Msg)) []byte {
	t.Helper()
	var m dns.Msg
	require.NoError(t, m.Unpack(q))
	r := new(dns.Msg)
	r.SetReply(&m)
	if len(m.Question) > 0 {
		rr, err := dns.NewRR(m.Question[0].Name + " 3600 IN A 192.0.2.53")
		require.NoError(t, err)
		r.Answer = []dns.RR{rr}
	}
	if mutate != nil {
		mutate(r)
	}
	pkt, err := r.Pack()
	require.NoError(t, err)
	return pkt
}

type cbResult struct {
	reply *dns.Msg
	rtt   time.Duration
	err   error
}

// Callback writing its result to a channel.
func chanCallback(ch chan cbResult) Callback {
	return func(reply *dns.Msg, rtt time.Duration, err error) {
		ch <- cbResult{reply, rtt, err}
	}
}

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	addr, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return addr
}

func waitResult(t *testing.T, ch chan cbResult, timeout time.Duration) cbResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		t.Fatal("no callback within deadline")
		return cbResult{}
	}
}
