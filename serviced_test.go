package outnet

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestServicedBasicUDP(t *testing.T) {
	var sawEDNS, sawDO atomic.Bool
	var udpSize atomic.Uint32
	addr := startUDPResponder(t, func(q []byte) [][]byte {
		var m dns.Msg
		if err := m.Unpack(q); err == nil {
			if opt := m.IsEdns0(); opt != nil {
				sawEDNS.Store(true)
				sawDO.Store(opt.Do())
				udpSize.Store(uint32(opt.UDPSize()))
			}
		}
		return [][]byte{dnsReply(t, q, nil)}
	})
	o := newTestEngine(t, Options{})

	ch := make(chan cbResult, 1)
	_, err := o.ServicedQuery(ServicedQueryOpts{
		Name:  "example.com.",
		Qtype: dns.TypeA,
		Addr:  addr,
	}, chanCallback(ch), "cb1")
	require.NoError(t, err)

	r := waitResult(t, ch, 3*time.Second)
	require.NoError(t, r.err)
	require.NotEmpty(t, r.reply.Answer)
	require.True(t, sawEDNS.Load())
	require.False(t, sawDO.Load())
	require.EqualValues(t, ednsAdvertisedSize, udpSize.Load())

	// Everything cleaned up behind the reply
	o.mu.Lock()
	defer o.mu.Unlock()
	require.Empty(t, o.serviced)
	require.Empty(t, o.pending)
	require.Empty(t, o.ip4[0].inUse)
}

func TestServicedDedup(t *testing.T) {
	var queries int32
	addr := startUDPResponder(t, func(q []byte) [][]byte {
		atomic.AddInt32(&queries, 1)
		time.Sleep(100 * time.Millisecond) // let the second caller join
		return [][]byte{dnsReply(t, q, nil)}
	})
	o := newTestEngine(t, Options{})

	opts := ServicedQueryOpts{Name: "example.com.", Qtype: dns.TypeA, Addr: addr}

	var mu sync.Mutex
	var order []string
	var replies []*dns.Msg
	done := make(chan struct{}, 2)
	mk := func(tag string) Callback {
		return func(reply *dns.Msg, rtt time.Duration, err error) {
			require.NoError(t, err)
			mu.Lock()
			order = append(order, tag)
			replies = append(replies, reply)
			mu.Unlock()
			done <- struct{}{}
		}
	}

	sq1, err := o.ServicedQuery(opts, mk("first"), "arg1")
	require.NoError(t, err)
	// Case-insensitive identity: the second registration joins the first
	opts2 := opts
	opts2.Name = "EXAMPLE.com."
	sq2, err := o.ServicedQuery(opts2, mk("second"), "arg2")
	require.NoError(t, err)
	require.Same(t, sq1, sq2)

	// One serviced entry, one transport (P6, P7)
	o.mu.Lock()
	require.Len(t, o.serviced, 1)
	require.True(t, (sq1.udpPending != nil) != (sq1.tcpWaiter != nil))
	o.mu.Unlock()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("callbacks missing")
		}
	}
	// One wire transaction, both callbacks, registration order, distinct
	// copies of the reply
	require.EqualValues(t, 1, atomic.LoadInt32(&queries))
	require.Equal(t, []string{"first", "second"}, order)
	require.NotSame(t, replies[0], replies[1])
}

func TestServicedStopIdempotent(t *testing.T) {
	addr := startUDPResponder(t, func(q []byte) [][]byte { return nil })
	o := newTestEngine(t, Options{Infra: newStubInfra(5 * time.Second)})

	fired := func(reply *dns.Msg, rtt time.Duration, err error) {
		t.Error("callback after stop")
	}
	opts := ServicedQueryOpts{Name: "example.com.", Qtype: dns.TypeA, Addr: addr}
	sq, err := o.ServicedQuery(opts, fired, "a")
	require.NoError(t, err)
	_, err = o.ServicedQuery(opts, fired, "b")
	require.NoError(t, err)

	sq.Stop("a")
	sq.Stop("a") // second stop finds no callback

	o.mu.Lock()
	require.Len(t, o.serviced, 1)
	require.Len(t, sq.callbacks, 1)
	o.mu.Unlock()

	// Last registration gone: entry leaves the tree, transport torn down
	sq.Stop("b")
	o.mu.Lock()
	defer o.mu.Unlock()
	require.Empty(t, o.serviced)
	require.Empty(t, o.pending)
	require.Nil(t, sq.udpPending)
	require.Empty(t, o.ip4[0].inUse)
}

// Truncated UDP answer moves the query to TCP, same port, full answer.
func TestServicedTCFallback(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	var udpQueries, tcpQueries int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					q, err := readTCPMsg(conn)
					if err != nil {
						return
					}
					atomic.AddInt32(&tcpQueries, 1)
					writeTCPMsg(conn, dnsReply(t, q, nil))
				}
			}(conn)
		}
	}()

	uconn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { uconn.Close() })
	go func() {
		buf := make([]byte, 65536)
		for {
			n, from, err := uconn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			atomic.AddInt32(&udpQueries, 1)
			r := dnsReply(t, buf[:n], func(m *dns.Msg) {
				m.Truncated = true
				m.Answer = nil
			})
			uconn.WriteToUDPAddrPort(r, from)
		}
	}()
	addr := uconn.LocalAddr().(*net.UDPAddr).AddrPort()

	o := newTestEngine(t, Options{NumTCP: 2})
	ch := make(chan cbResult, 1)
	_, err = o.ServicedQuery(ServicedQueryOpts{
		Name:  "example.com.",
		Qtype: dns.TypeA,
		Addr:  addr,
	}, chanCallback(ch), "cb")
	require.NoError(t, err)

	r := waitResult(t, ch, 5*time.Second)
	require.NoError(t, r.err)
	require.NotEmpty(t, r.reply.Answer)
	require.False(t, r.reply.Truncated)
	require.EqualValues(t, 1, atomic.LoadInt32(&udpQueries))
	require.EqualValues(t, 1, atomic.LoadInt32(&tcpQueries))
}

// FORMERR to an EDNS query falls back to plain DNS and records the peer as
// EDNS-lame.
func TestServicedEDNSFallback(t *testing.T) {
	var withOPT, withoutOPT int32
	addr := startUDPResponder(t, func(q []byte) [][]byte {
		var m dns.Msg
		if err := m.Unpack(q); err != nil {
			return nil
		}
		if m.IsEdns0() != nil {
			atomic.AddInt32(&withOPT, 1)
			return [][]byte{dnsReply(t, q, func(r *dns.Msg) {
				r.Rcode = dns.RcodeFormatError
				r.Answer = nil
				r.Extra = nil
			})}
		}
		atomic.AddInt32(&withoutOPT, 1)
		return [][]byte{dnsReply(t, q, nil)}
	})
	infra := newStubInfra(time.Second)
	o := newTestEngine(t, Options{Infra: infra})

	ch := make(chan cbResult, 1)
	_, err := o.ServicedQuery(ServicedQueryOpts{
		Name:  "example.com.",
		Qtype: dns.TypeA,
		Addr:  addr,
	}, chanCallback(ch), "cb")
	require.NoError(t, err)

	r := waitResult(t, ch, 3*time.Second)
	require.NoError(t, r.err)
	require.NotEmpty(t, r.reply.Answer)
	require.EqualValues(t, 1, atomic.LoadInt32(&withOPT))
	require.EqualValues(t, 1, atomic.LoadInt32(&withoutOPT))
	require.Equal(t, []int{-1}, infra.ednsUpdates())
}

// With DNSSEC required, a successful fallback does not mark the peer lame.
func TestServicedEDNSFallbackWantDNSSEC(t *testing.T) {
	addr := startUDPResponder(t, func(q []byte) [][]byte {
		var m dns.Msg
		if err := m.Unpack(q); err != nil {
			return nil
		}
		if m.IsEdns0() != nil {
			return [][]byte{dnsReply(t, q, func(r *dns.Msg) {
				r.Rcode = dns.RcodeFormatError
				r.Answer = nil
				r.Extra = nil
			})}
		}
		return [][]byte{dnsReply(t, q, nil)}
	})
	infra := newStubInfra(time.Second)
	o := newTestEngine(t, Options{Infra: infra})

	ch := make(chan cbResult, 1)
	_, err := o.ServicedQuery(ServicedQueryOpts{
		Name:       "example.com.",
		Qtype:      dns.TypeA,
		Addr:       addr,
		DNSSEC:     EDNSDO,
		WantDNSSEC: true,
	}, chanCallback(ch), "cb")
	require.NoError(t, err)

	r := waitResult(t, ch, 3*time.Second)
	require.NoError(t, r.err)
	require.Empty(t, infra.ednsUpdates())
}

// 0x20 verification: a faithful echo passes, a case-squashed echo fails
// with ErrCapsFail.
func TestServicedCaps(t *testing.T) {
	echo := startUDPResponder(t, func(q []byte) [][]byte {
		return [][]byte{dnsReply(t, q, nil)}
	})
	squash := startUDPResponder(t, func(q []byte) [][]byte {
		r := dnsReply(t, q, nil)
		lowercasePktQname(r)
		return [][]byte{r}
	})
	infra := newStubInfra(time.Second)
	o := newTestEngine(t, Options{UseCapsForID: true, Infra: infra})

	ch := make(chan cbResult, 1)
	_, err := o.ServicedQuery(ServicedQueryOpts{
		Name:  "example.com.",
		Qtype: dns.TypeA,
		Addr:  echo,
	}, chanCallback(ch), "cb")
	require.NoError(t, err)
	r := waitResult(t, ch, 3*time.Second)
	require.NoError(t, r.err)
	// Delivered qname is lowercased for cache-friendly contents
	require.Equal(t, "example.com.", r.reply.Question[0].Name)

	// Enough letters that an accidentally all-lowercase perturbation is
	// not a realistic outcome
	_, err = o.ServicedQuery(ServicedQueryOpts{
		Name:  "long-hostname-for-the-case-check.example.com.",
		Qtype: dns.TypeA,
		Addr:  squash,
	}, chanCallback(ch), "cb")
	require.NoError(t, err)
	r = waitResult(t, ch, 3*time.Second)
	require.ErrorIs(t, r.err, ErrCapsFail)
	// A caps failure is not EDNS lameness
	for _, v := range infra.ednsUpdates() {
		require.NotEqual(t, -1, v)
	}
}

// PTR queries skip the 0x20 games entirely.
func TestServicedCapsSkipsPTR(t *testing.T) {
	var sawName atomic.Value
	addr := startUDPResponder(t, func(q []byte) [][]byte {
		var m dns.Msg
		if err := m.Unpack(q); err == nil && len(m.Question) > 0 {
			sawName.Store(m.Question[0].Name)
		}
		return [][]byte{dnsReply(t, q, nil)}
	})
	o := newTestEngine(t, Options{UseCapsForID: true})

	ch := make(chan cbResult, 1)
	_, err := o.ServicedQuery(ServicedQueryOpts{
		Name:  "1.2.0.192.in-addr.arpa.",
		Qtype: dns.TypePTR,
		Addr:  addr,
	}, chanCallback(ch), "cb")
	require.NoError(t, err)
	r := waitResult(t, ch, 3*time.Second)
	require.NoError(t, r.err)
	require.Equal(t, "1.2.0.192.in-addr.arpa.", sawName.Load())
}

// Callbacks may synchronously register the identical query again; the old
// entry is out of the tree before dispatch.
func TestServicedReentrantCallback(t *testing.T) {
	addr := startUDPResponder(t, func(q []byte) [][]byte {
		return [][]byte{dnsReply(t, q, nil)}
	})
	o := newTestEngine(t, Options{})

	opts := ServicedQueryOpts{Name: "example.com.", Qtype: dns.TypeA, Addr: addr}
	second := make(chan cbResult, 1)
	first := make(chan cbResult, 1)
	_, err := o.ServicedQuery(opts, func(reply *dns.Msg, rtt time.Duration, err error) {
		_, rerr := o.ServicedQuery(opts, chanCallback(second), "again")
		require.NoError(t, rerr)
		first <- cbResult{reply, rtt, err}
	}, "cb")
	require.NoError(t, err)

	require.NoError(t, waitResult(t, first, 3*time.Second).err)
	require.NoError(t, waitResult(t, second, 3*time.Second).err)
}

// Stream upstreams go straight to TCP and pipeline over one connection.
func TestServicedTCPUpstream(t *testing.T) {
	addr, accepts := startTCPResponder(t, func(q []byte) [][]byte {
		return [][]byte{dnsReply(t, q, nil)}
	})
	o := newTestEngine(t, Options{NumTCP: 4})

	ch := make(chan cbResult, 2)
	for _, name := range []string{"a.example.", "b.example."} {
		_, err := o.ServicedQuery(ServicedQueryOpts{
			Name:        name,
			Qtype:       dns.TypeA,
			Addr:        addr,
			TCPUpstream: true,
		}, chanCallback(ch), name)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		r := waitResult(t, ch, 5*time.Second)
		require.NoError(t, r.err)
		require.NotEmpty(t, r.reply.Answer)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(accepts))
}

func TestServicedRejectedAfterClose(t *testing.T) {
	o := newTestEngine(t, Options{})
	o.Close()
	_, err := o.ServicedQuery(ServicedQueryOpts{
		Name:  "example.com.",
		Qtype: dns.TypeA,
		Addr:  netip.MustParseAddrPort("192.0.2.1:53"),
	}, func(*dns.Msg, time.Duration, error) {}, "cb")
	require.ErrorIs(t, err, ErrClosed)
}
