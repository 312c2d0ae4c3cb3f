package outnet

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Replies are matched to pending queries by transaction ID and peer address.
type pendingKey struct {
	id   uint16
	addr netip.AddrPort
}

// Internal transport callback. A nil error carries the raw reply packet,
// otherwise pkt is nil.
type transportCB func(pkt []byte, err error)

// pendingUDP is one outstanding UDP query. While registered, its (id, addr)
// pair is unique in the engine. An entry with pc == nil is parked on the UDP
// wait list until a source port frees up; it keeps a copy of the query bytes
// for the deferred send.
type pendingUDP struct {
	outnet  *OutsideNetwork
	id      uint16
	addr    netip.AddrPort
	pc      *PortCommitment
	cb      transportCB
	timer   *time.Timer
	timeout time.Duration
	pkt     []byte

	// UDP wait list
	next       *pendingUDP
	onWaitList bool

	// Timed out already, the port is held open for late replies
	delayed bool
}

// SendUDP sends one query packet to addr and calls cb with the raw reply or
// an error. The engine overwrites the first two bytes of pkt with a fresh
// random transaction ID, unique per destination. If no source port is free
// the query is parked on the UDP wait list and sent later.
func (o *OutsideNetwork) SendUDP(pkt []byte, addr netip.AddrPort, timeout time.Duration, cb transportCB) (*pendingUDP, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sendUDPLocked(pkt, addr, timeout, cb)
}

func (o *OutsideNetwork) sendUDPLocked(pkt []byte, addr netip.AddrPort, timeout time.Duration, cb transportCB) (*pendingUDP, error) {
	if o.wantToQuit {
		return nil, ErrClosed
	}
	if len(pkt) < headerSize {
		return nil, errors.New("packet too short")
	}
	p := &pendingUDP{
		outnet:  o,
		addr:    addr,
		timeout: timeout,
		cb:      cb,
	}
	// Random ID, re-rolled on a collision with an outstanding query to the
	// same destination.
	tries := 0
	for {
		p.id = uint16(o.rnd.Intn(0x10000))
		if _, ok := o.pending[pendingKey{p.id, addr}]; !ok {
			break
		}
		tries++
		if tries == maxIDRetry {
			p.id = 99999 & 0xffff // nonexistent ID marker
			Log.WithFields(logrus.Fields{"addr": addr}).Error("failed to find a unique transaction id")
			return nil, ErrClosed
		}
	}
	setPacketID(pkt, p.id)
	o.pending[pendingKey{p.id, addr}] = p

	if o.udpWaitFirst != nil {
		// Others are already waiting for a port, queue behind them
		o.waitUDP(p, pkt)
		return p, nil
	}
	if err := o.sendPendingUDP(p, pkt); err != nil {
		if errors.Is(err, errNoPorts) {
			o.waitUDP(p, pkt)
			return p, nil
		}
		delete(o.pending, pendingKey{p.id, addr})
		return nil, err
	}
	return p, nil
}

var errNoPorts = errors.New("no free source ports")

// Acquire a port, send, and arm the timeout timer. Caller holds the lock and
// has registered p.
func (o *OutsideNetwork) sendPendingUDP(p *pendingUDP, pkt []byte) error {
	pc, err := o.selectIfPort(family(p.addr))
	if err != nil {
		return err
	}
	if _, err := pc.conn.WriteToUDPAddrPort(pkt, p.addr); err != nil {
		o.portcommLowerUse(pc)
		o.metrics.err.Add("send_udp", 1)
		return errors.Wrap(err, "udp send")
	}
	p.pc = pc
	p.pkt = nil
	p.timer = time.AfterFunc(p.timeout, func() { o.udpTimeout(p) })
	o.metrics.query.Add("udp", 1)
	return nil
}

// Park the query on the tail of the UDP wait list, keeping the bytes for the
// deferred send.
func (o *OutsideNetwork) waitUDP(p *pendingUDP, pkt []byte) {
	p.pkt = make([]byte, len(pkt))
	copy(p.pkt, pkt)
	p.onWaitList = true
	if o.udpWaitLast != nil {
		o.udpWaitLast.next = p
	} else {
		o.udpWaitFirst = p
	}
	o.udpWaitLast = p
	o.metrics.waited.Add(1)
}

// Read loop for one UDP socket, one goroutine per open port commitment.
// Exits when the socket is closed.
func (o *OutsideNetwork) udpReadLoop(pc *PortCommitment) {
	buf := make([]byte, udpBufferSize)
	for {
		n, from, err := pc.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		o.handleUDPPacket(pc, pkt, from)
	}
}

func (o *OutsideNetwork) handleUDPPacket(pc *PortCommitment, pkt []byte, from netip.AddrPort) {
	if len(pkt) < headerSize {
		Log.Debug("short udp reply dropped")
		return
	}
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	key := pendingKey{packetID(pkt), from}

	o.mu.Lock()
	p, ok := o.pending[key]
	if !ok {
		o.countUnwantedLocked("unsolicited")
		o.mu.Unlock()
		return
	}
	if p.pc != pc {
		// Right ID and address, wrong socket. Counted as unwanted, and the
		// original query keeps its timer running.
		o.countUnwantedLocked("wrong port")
		o.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	// Delete before the callback so it can register a new query under the
	// same ID.
	delete(o.pending, key)
	cb := p.cb
	p.cb = nil
	o.metrics.response.Add(strconv.Itoa(packetRcode(pkt)), 1)
	o.mu.Unlock()

	if cb != nil {
		cb(pkt, nil)
	}

	o.mu.Lock()
	o.portcommLowerUse(p.pc)
	drains := o.drainUDPWaitLocked()
	o.mu.Unlock()
	for _, f := range drains {
		f()
	}
}

// Count a reply that matched nothing, firing the configured defensive action
// when the threshold is crossed. Caller holds the lock.
func (o *OutsideNetwork) countUnwantedLocked(why string) {
	Log.WithFields(logrus.Fields{"reason": why}).Debug("unwanted udp reply dropped")
	o.unwantedReplies++
	o.metrics.unwanted.Add(1)
	if o.opt.UnwantedThreshold == 0 {
		return
	}
	o.unwantedTotal++
	if o.unwantedTotal >= o.opt.UnwantedThreshold {
		Log.WithFields(logrus.Fields{"threshold": o.opt.UnwantedThreshold}).Warn("unwanted reply total reached threshold, you may be under attack")
		if o.opt.UnwantedAction != nil {
			o.opt.UnwantedAction()
		}
		o.unwantedTotal = 0
	}
}

func (o *OutsideNetwork) udpTimeout(p *pendingUDP) {
	o.mu.Lock()
	key := pendingKey{p.id, p.addr}
	if o.pending[key] != p {
		// Raced with a reply or a cancel
		o.mu.Unlock()
		return
	}
	if p.delayed {
		// Grace period over, release the port
		delete(o.pending, key)
		o.portcommLowerUse(p.pc)
		drains := o.drainUDPWaitLocked()
		o.mu.Unlock()
		for _, f := range drains {
			f()
		}
		return
	}
	cb := p.cb
	p.cb = nil
	o.metrics.err.Add("timeout", 1)
	o.mu.Unlock()

	if cb != nil {
		cb(nil, ErrTimeout)
	}

	o.mu.Lock()
	if o.pending[key] != p {
		// The callback resent or tore this down
		o.mu.Unlock()
		return
	}
	if o.opt.DelayClose > 0 && o.udpWaitFirst == nil && !o.wantToQuit {
		// Hold the port open for late replies, unless queries are starved
		// for sockets.
		p.delayed = true
		p.timer.Reset(o.opt.DelayClose)
		o.mu.Unlock()
		return
	}
	delete(o.pending, key)
	o.portcommLowerUse(p.pc)
	drains := o.drainUDPWaitLocked()
	o.mu.Unlock()
	for _, f := range drains {
		f()
	}
}

// Send as many parked UDP queries as ports allow. Returns error callbacks to
// run without the lock. Caller holds the lock.
func (o *OutsideNetwork) drainUDPWaitLocked() []func() {
	var cbs []func()
	for o.udpWaitFirst != nil && !o.wantToQuit {
		p := o.udpWaitFirst
		pkt := p.pkt
		err := o.sendPendingUDP(p, pkt)
		if errors.Is(err, errNoPorts) {
			return cbs
		}
		// Sent or failed for good, off the list either way
		o.udpWaitFirst = p.next
		if o.udpWaitFirst == nil {
			o.udpWaitLast = nil
		}
		p.next = nil
		p.onWaitList = false
		if err != nil {
			delete(o.pending, pendingKey{p.id, p.addr})
			cbs = append(cbs, failPendingUDP(p))
		}
	}
	return cbs
}

// Tear down a pending UDP query without invoking its callback. Used by
// cancellation. Caller holds the lock.
func (o *OutsideNetwork) removePendingUDP(p *pendingUDP) {
	key := pendingKey{p.id, p.addr}
	if o.pending[key] != p {
		return
	}
	delete(o.pending, key)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.cb = nil
	if p.onWaitList {
		o.unlinkUDPWait(p)
		return
	}
	if p.pc != nil {
		o.portcommLowerUse(p.pc)
	}
}

func (o *OutsideNetwork) unlinkUDPWait(p *pendingUDP) {
	var prev *pendingUDP
	for cur := o.udpWaitFirst; cur != nil; cur = cur.next {
		if cur == p {
			if prev == nil {
				o.udpWaitFirst = cur.next
			} else {
				prev.next = cur.next
			}
			if o.udpWaitLast == cur {
				o.udpWaitLast = prev
			}
			p.next = nil
			p.onWaitList = false
			return
		}
		prev = cur
	}
}
