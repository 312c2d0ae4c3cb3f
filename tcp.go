package outnet

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// waitingTCP is one query bound to a stream transport. It is either on the
// global TCP wait list (no slot yet), or attached to a connection, where its
// assigned ID is in the connection's ID tree and it is in the write queue, is
// the packet currently being written, or is written and awaiting a reply.
type waitingTCP struct {
	outnet      *OutsideNetwork
	addr        netip.AddrPort
	useTLS      bool
	tlsAuthName string
	pkt         []byte
	id          uint16
	timeout     time.Duration
	cb          transportCB
	timer       *time.Timer

	// Global wait list
	onWaitList         bool
	waitPrev, waitNext *waitingTCP

	// Connection write queue
	writeWaitQueued              bool
	writeWaitPrev, writeWaitNext *waitingTCP

	// Connection this query is attached to, nil while on the global list
	conn *reuseConn
}

// tcpSlot is one element of the fixed-size outbound stream pool.
type tcpSlot struct {
	outnet *OutsideNetwork
	index  int

	conn      net.Conn
	connected bool
	inUse     bool
	gen       uint64

	// The query whose bytes are being written, and its ID
	query *waitingTCP
	id    uint16

	freeNext  *tcpSlot
	reuse     reuseConn
	writeKick chan struct{}
	done      chan struct{}
}

// SendTCP sends one query to addr over a stream, reusing an open connection
// to the same (addr, tls) when one has capacity, taking a free pool slot
// otherwise, or parking the query on the TCP wait list until a slot frees
// up. The first two bytes of pkt are overwritten with the ID assigned for
// the connection. cb receives the raw reply or an error.
func (o *OutsideNetwork) SendTCP(pkt []byte, addr netip.AddrPort, useTLS bool, tlsAuthName string, timeout time.Duration, cb transportCB) (*waitingTCP, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sendTCPLocked(pkt, addr, useTLS, tlsAuthName, timeout, cb)
}

func (o *OutsideNetwork) sendTCPLocked(pkt []byte, addr netip.AddrPort, useTLS bool, tlsAuthName string, timeout time.Duration, cb transportCB) (*waitingTCP, error) {
	if o.wantToQuit {
		return nil, ErrClosed
	}
	w := &waitingTCP{
		outnet:      o,
		addr:        addr,
		useTLS:      useTLS,
		tlsAuthName: tlsAuthName,
		pkt:         append([]byte(nil), pkt...),
		timeout:     timeout,
		cb:          cb,
	}
	parked, err := o.dispatchTCPLocked(w)
	if err != nil {
		return nil, err
	}
	if parked && o.lruTail.lruPrev != o.lruHead {
		// No free slot and no stream to this peer. Close the stalest
		// reused stream rather than wait on a descriptor another query
		// needs right now. The evicted stream's queries fail on their own
		// goroutines.
		for _, f := range o.reuseCloseOldestLocked() {
			go f()
		}
		parked, err = o.dispatchTCPLocked(w)
		if err != nil {
			return nil, err
		}
	}
	if parked {
		o.tcpWaitPush(w)
	}
	w.timer = time.AfterFunc(timeout, func() { o.tcpTimerFire(w) })
	return w, nil
}

// Attach a waiter to an existing or fresh connection. Returns parked=true
// when neither a reusable stream nor a free slot exists. Caller holds the
// engine lock.
func (o *OutsideNetwork) dispatchTCPLocked(w *waitingTCP) (parked bool, err error) {
	if r := o.findReusableTCP(w.addr, w.useTLS); r != nil {
		id, ok := r.pickID(o)
		if !ok {
			return false, ErrClosed
		}
		o.metrics.reuseHits.Add(1)
		w.id = id
		setPacketID(w.pkt, id)
		r.idTree[id] = w
		w.conn = r
		o.reuseTouch(r)
		t := r.slot
		if t.connected && t.query == nil {
			t.query = w
			t.kick()
		} else {
			r.writeWaitPush(w)
		}
		return false, nil
	}
	if t := o.tcpFree; t != nil {
		o.tcpFree = t.freeNext
		t.freeNext = nil
		o.takeIntoUseLocked(t, w)
		return false, nil
	}
	return true, nil
}

// Prepare a free slot for a new connection and start the dialer goroutine.
// Caller holds the engine lock.
func (o *OutsideNetwork) takeIntoUseLocked(t *tcpSlot, w *waitingTCP) {
	t.inUse = true
	t.gen++
	t.connected = false
	t.conn = nil
	t.reuse.addr = w.addr
	t.reuse.useTLS = w.useTLS
	t.reuse.idTree = make(map[uint16]*waitingTCP)
	t.writeKick = make(chan struct{}, 1)
	t.done = make(chan struct{})

	w.id = uint16(o.rnd.Intn(0x10000))
	setPacketID(w.pkt, w.id)
	t.reuse.idTree[w.id] = w
	w.conn = &t.reuse
	t.query = w
	t.id = w.id
	o.reuseInsert(&t.reuse)

	// Bind to a random source interface of the matching family, unless the
	// interface is the unspecified address.
	var local net.Addr
	ifs := o.ip4
	if family(w.addr) == 6 {
		ifs = o.ip6
	}
	if len(ifs) > 0 {
		if ifc := ifs[o.rnd.Intn(len(ifs))]; !ifc.ip.IsUnspecified() {
			local = &net.TCPAddr{IP: ifc.bindAddr(o.rnd).AsSlice()}
		}
	}
	go t.run(t.gen, w.addr, w.useTLS, w.tlsAuthName, w.timeout, local)
}

func (t *tcpSlot) kick() {
	select {
	case t.writeKick <- struct{}{}:
	default:
	}
}

// Dial, optionally wrap in TLS, then run the writer and reader until the
// connection is decommissioned.
func (t *tcpSlot) run(gen uint64, addr netip.AddrPort, useTLS bool, authName string, timeout time.Duration, local net.Addr) {
	o := t.outnet
	dialer := net.Dialer{
		Timeout:   timeout,
		LocalAddr: local,
		Control:   tcpControl(o.opt.TCPMSS, o.opt.DSCP, family(addr) == 6),
	}
	netw := "tcp4"
	if family(addr) == 6 {
		netw = "tcp6"
	}
	conn, err := dialer.Dial(netw, addr.String())
	if err != nil {
		Log.WithFields(logrus.Fields{"addr": addr, "error": err}).Debug("failed to connect")
		o.metrics.err.Add("connect", 1)
		o.decommission(t, gen, ErrClosed)
		return
	}
	if useTLS {
		cfg := o.opt.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		cfg = cfg.Clone()
		if authName != "" {
			if !o.opt.TLSNoSNI {
				cfg.ServerName = authName
			} else {
				// Verify against the auth name without sending SNI
				cfg.ServerName = ""
				cfg.InsecureSkipVerify = true
				cfg.VerifyConnection = func(cs tls.ConnectionState) error {
					opts := x509.VerifyOptions{DNSName: authName, Roots: cfg.RootCAs, Intermediates: x509.NewCertPool()}
					for _, c := range cs.PeerCertificates[1:] {
						opts.Intermediates.AddCert(c)
					}
					_, err := cs.PeerCertificates[0].Verify(opts)
					return err
				}
			}
		} else if cfg.ServerName == "" {
			// No name to verify against
			cfg.InsecureSkipVerify = true
		}
		tc := tls.Client(conn, cfg)
		tc.SetDeadline(time.Now().Add(timeout))
		if err := tc.Handshake(); err != nil {
			Log.WithFields(logrus.Fields{"addr": addr, "error": err}).Debug("tls handshake failed")
			o.metrics.err.Add("tls", 1)
			conn.Close()
			o.decommission(t, gen, ErrClosed)
			return
		}
		tc.SetDeadline(time.Time{})
		conn = tc
	}

	o.mu.Lock()
	if !t.inUse || t.gen != gen {
		// Decommissioned while connecting
		o.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.connected = true
	if t.query == nil {
		t.query = t.reuse.writeWaitPop()
	}
	o.mu.Unlock()
	t.kick()

	go t.writeLoop(gen, conn)
	t.readLoop(gen, conn)
}

// Write queries one at a time: the current query first, then the head of the
// write queue, until both are empty.
func (t *tcpSlot) writeLoop(gen uint64, conn net.Conn) {
	o := t.outnet
	for {
		select {
		case <-t.done:
			return
		case <-t.writeKick:
		}
		for {
			o.mu.Lock()
			if !t.inUse || t.gen != gen {
				o.mu.Unlock()
				return
			}
			w := t.query
			if w == nil {
				w = t.reuse.writeWaitPop()
				t.query = w
			}
			if w == nil {
				o.mu.Unlock()
				break
			}
			t.id = w.id
			pkt := w.pkt
			timeout := w.timeout
			// The write timer restarts now that the packet starts moving
			if w.timer != nil {
				w.timer.Reset(timeout)
			}
			o.mu.Unlock()

			buf := make([]byte, 2+len(pkt))
			binary.BigEndian.PutUint16(buf, uint16(len(pkt)))
			copy(buf[2:], pkt)
			conn.SetWriteDeadline(time.Now().Add(timeout))
			if _, err := conn.Write(buf); err != nil {
				o.metrics.err.Add("send_tcp", 1)
				o.decommission(t, gen, ErrClosed)
				return
			}
			o.mu.Lock()
			if t.query == w {
				// Packet written, the ID stays reserved in the tree until
				// the reply arrives
				t.query = nil
				w.pkt = nil
			}
			o.metrics.query.Add(tcpProto(w.useTLS), 1)
			o.mu.Unlock()
		}
	}
}

func tcpProto(useTLS bool) string {
	if useTLS {
		return "tls"
	}
	return "tcp"
}

// Read length-prefixed replies and demultiplex them by transaction ID. A
// reply with an ID this connection is not waiting on means the stream is
// broken and the connection is dropped.
func (t *tcpSlot) readLoop(gen uint64, conn net.Conn) {
	o := t.outnet
	lenbuf := make([]byte, 2)
	for {
		o.mu.Lock()
		if !t.inUse || t.gen != gen {
			o.mu.Unlock()
			return
		}
		idle := len(t.reuse.idTree) == 0 && t.query == nil && t.reuse.writeWaitFirst == nil
		o.mu.Unlock()
		if idle {
			conn.SetReadDeadline(time.Now().Add(reuseTimeout))
		} else {
			// Outstanding queries carry their own timers
			conn.SetReadDeadline(time.Time{})
		}

		if _, err := io.ReadFull(conn, lenbuf); err != nil {
			o.decommission(t, gen, ErrClosed)
			return
		}
		n := binary.BigEndian.Uint16(lenbuf)
		if n < headerSize {
			o.decommission(t, gen, ErrClosed)
			return
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(conn, msg); err != nil {
			o.decommission(t, gen, ErrClosed)
			return
		}

		o.mu.Lock()
		if !t.inUse || t.gen != gen {
			o.mu.Unlock()
			return
		}
		w, ok := t.reuse.idTree[packetID(msg)]
		if !ok {
			o.mu.Unlock()
			Log.WithFields(logrus.Fields{"addr": t.reuse.addr}).Debug("tcp reply with unknown id, dropping connection")
			o.decommission(t, gen, ErrClosed)
			return
		}
		delete(t.reuse.idTree, w.id)
		w.conn = nil
		if w.timer != nil {
			w.timer.Stop()
		}
		cb := w.cb
		w.cb = nil
		o.reuseTouch(&t.reuse)
		o.metrics.response.Add(strconv.Itoa(packetRcode(msg)), 1)
		over := len(o.reuseList) > o.opt.TCPReuseMax
		o.mu.Unlock()

		if cb != nil {
			cb(msg, nil)
		}
		if over {
			o.mu.Lock()
			cbs := o.reuseCloseOldestLocked()
			o.mu.Unlock()
			for _, f := range cbs {
				f()
			}
		}
	}
}

// A waiter's timer fired. On the global wait list that fails just the one
// query; attached to a connection it means the stream is not producing and
// the whole connection is dropped, failing everything on it with the
// timeout.
func (o *OutsideNetwork) tcpTimerFire(w *waitingTCP) {
	o.mu.Lock()
	if w.cb == nil {
		o.mu.Unlock()
		return
	}
	if w.onWaitList {
		o.tcpWaitRemove(w)
		cb := w.cb
		w.cb = nil
		o.metrics.err.Add("timeout", 1)
		o.mu.Unlock()
		cb(nil, ErrTimeout)
		return
	}
	if w.conn != nil {
		t := w.conn.slot
		o.metrics.err.Add("timeout", 1)
		cbs := o.decommissionLocked(t, ErrTimeout)
		o.mu.Unlock()
		for _, f := range cbs {
			f()
		}
		return
	}
	o.mu.Unlock()
}

func (o *OutsideNetwork) decommission(t *tcpSlot, gen uint64, err error) {
	o.mu.Lock()
	if !t.inUse || t.gen != gen {
		o.mu.Unlock()
		return
	}
	cbs := o.decommissionLocked(t, err)
	o.mu.Unlock()
	for _, f := range cbs {
		f()
	}
}

// Tear a slot down: fail the current write, the write queue and every
// written query, close the socket and return the slot to the free list,
// then hand parked queries a chance at the freed slot. Returns the failure
// callbacks to run without the lock. Caller holds the engine lock.
func (o *OutsideNetwork) decommissionLocked(t *tcpSlot, err error) []func() {
	if !t.inUse {
		return nil
	}
	var cbs []func()
	fail := func(w *waitingTCP) {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.conn = nil
		if cb := w.cb; cb != nil {
			w.cb = nil
			cbs = append(cbs, func() { cb(nil, err) })
		}
	}
	if w := t.query; w != nil {
		t.query = nil
		delete(t.reuse.idTree, w.id)
		fail(w)
	}
	for w := t.reuse.writeWaitPop(); w != nil; w = t.reuse.writeWaitPop() {
		delete(t.reuse.idTree, w.id)
		fail(w)
	}
	for _, w := range t.reuse.idTree {
		fail(w)
	}
	t.reuse.idTree = nil
	o.reuseRemove(&t.reuse)
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.connected = false
	t.inUse = false
	t.gen++
	t.freeNext = o.tcpFree
	o.tcpFree = t
	cbs = append(cbs, o.drainTCPWaitLocked()...)
	return cbs
}

// Move parked queries onto the freed resources. Caller holds the engine
// lock.
func (o *OutsideNetwork) drainTCPWaitLocked() []func() {
	var cbs []func()
	for o.tcpWaitFirst != nil && !o.wantToQuit {
		w := o.tcpWaitFirst
		parked, err := o.dispatchTCPLocked(w)
		if parked {
			return cbs
		}
		o.tcpWaitRemove(w)
		if err != nil {
			cbs = append(cbs, failWaitingTCP(w))
		}
	}
	return cbs
}

func (o *OutsideNetwork) tcpWaitPush(w *waitingTCP) {
	w.onWaitList = true
	if o.tcpWaitLast != nil {
		o.tcpWaitLast.waitNext = w
		w.waitPrev = o.tcpWaitLast
	} else {
		o.tcpWaitFirst = w
	}
	o.tcpWaitLast = w
	o.metrics.waited.Add(1)
}

func (o *OutsideNetwork) tcpWaitRemove(w *waitingTCP) {
	if !w.onWaitList {
		return
	}
	if w.waitPrev != nil {
		w.waitPrev.waitNext = w.waitNext
	} else {
		o.tcpWaitFirst = w.waitNext
	}
	if w.waitNext != nil {
		w.waitNext.waitPrev = w.waitPrev
	} else {
		o.tcpWaitLast = w.waitPrev
	}
	w.waitPrev, w.waitNext = nil, nil
	w.onWaitList = false
}

// Cancel a stream query. A query still on the wait list or the write queue
// is unhooked; a query already written keeps its ID reserved on the
// connection with the callback nulled, so a late reply is consumed without
// being delivered. Caller holds the engine lock.
func (o *OutsideNetwork) removeWaitingTCP(w *waitingTCP) {
	w.cb = nil
	if w.onWaitList {
		if w.timer != nil {
			w.timer.Stop()
		}
		o.tcpWaitRemove(w)
		return
	}
	r := w.conn
	if r == nil {
		return
	}
	if w.writeWaitQueued {
		if w.timer != nil {
			w.timer.Stop()
		}
		r.writeWaitRemove(w)
		delete(r.idTree, w.id)
		w.conn = nil
		return
	}
	// Written, or being written right now: the ID stays reserved
	if w.timer != nil {
		w.timer.Stop()
	}
}
