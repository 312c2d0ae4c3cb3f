package outnet

import (
	"net/netip"
	"sort"
)

// reuseConn marks a stream slot as available for multiplexing further
// queries. It lives in a list sorted by (addr, port, tls) with the slot's
// sequence number as tie-break, so several connections to the same peer can
// coexist, and in an LRU with the freshest entry at the head.
type reuseConn struct {
	slot   *tcpSlot
	addr   netip.AddrPort
	useTLS bool
	seq    uint64

	// Queries attached to this connection, by the ID assigned for it: queued
	// for writing, being written, or written and awaiting a reply.
	idTree map[uint16]*waitingTCP

	// Queries whose bytes have not been written yet
	writeWaitFirst *waitingTCP
	writeWaitLast  *waitingTCP

	lruPrev, lruNext *reuseConn
	inTree           bool
}

// Order for the sorted list. Identity (seq) breaks ties between connections
// to the same peer.
func reuseLess(a, b *reuseConn) bool {
	if c := a.addr.Addr().Compare(b.addr.Addr()); c != 0 {
		return c < 0
	}
	if a.addr.Port() != b.addr.Port() {
		return a.addr.Port() < b.addr.Port()
	}
	if a.useTLS != b.useTLS {
		return !a.useTLS
	}
	return a.seq < b.seq
}

func sameReuseKey(a, b *reuseConn) bool {
	return a.addr == b.addr && a.useTLS == b.useTLS
}

// Find a connection to (addr, tls) with room for one more in-flight query.
// The list is scanned from the first entry with the triple onward, so among
// several connections to the same peer the first with spare capacity wins.
// Caller holds the engine lock.
func (o *OutsideNetwork) findReusableTCP(addr netip.AddrPort, useTLS bool) *reuseConn {
	key := &reuseConn{addr: addr, useTLS: useTLS}
	i := sort.Search(len(o.reuseList), func(i int) bool {
		return !reuseLess(o.reuseList[i], key)
	})
	for ; i < len(o.reuseList); i++ {
		r := o.reuseList[i]
		if !sameReuseKey(r, key) {
			return nil
		}
		if len(r.idTree) < maxReuseTCPQueries {
			return r
		}
	}
	return nil
}

// Insert into the sorted list and the LRU. No-op if already present.
// Caller holds the engine lock.
func (o *OutsideNetwork) reuseInsert(r *reuseConn) {
	if r.inTree {
		return
	}
	o.reuseSeq++
	r.seq = o.reuseSeq
	i := sort.Search(len(o.reuseList), func(i int) bool {
		return !reuseLess(o.reuseList[i], r)
	})
	o.reuseList = append(o.reuseList, nil)
	copy(o.reuseList[i+1:], o.reuseList[i:])
	o.reuseList[i] = r
	r.inTree = true
	// Freshest at the head
	r.lruNext = o.lruHead.lruNext
	r.lruPrev = o.lruHead
	o.lruHead.lruNext.lruPrev = r
	o.lruHead.lruNext = r
}

// Remove from the sorted list and the LRU. Caller holds the engine lock.
func (o *OutsideNetwork) reuseRemove(r *reuseConn) {
	if !r.inTree {
		return
	}
	i := sort.Search(len(o.reuseList), func(i int) bool {
		return !reuseLess(o.reuseList[i], r)
	})
	for ; i < len(o.reuseList); i++ {
		if o.reuseList[i] == r {
			o.reuseList = append(o.reuseList[:i], o.reuseList[i+1:]...)
			break
		}
	}
	r.lruPrev.lruNext = r.lruNext
	r.lruNext.lruPrev = r.lruPrev
	r.lruPrev, r.lruNext = nil, nil
	r.inTree = false
}

// Move to the front of the LRU. Caller holds the engine lock.
func (o *OutsideNetwork) reuseTouch(r *reuseConn) {
	if !r.inTree {
		return
	}
	r.lruPrev.lruNext = r.lruNext
	r.lruNext.lruPrev = r.lruPrev
	r.lruNext = o.lruHead.lruNext
	r.lruPrev = o.lruHead
	o.lruHead.lruNext.lruPrev = r
	o.lruHead.lruNext = r
}

// Close the stalest reused connection to free its slot. Everything still
// attached to it fails with ErrClosed. Returns the callbacks to run without
// the lock. Caller holds the engine lock.
func (o *OutsideNetwork) reuseCloseOldestLocked() []func() {
	r := o.lruTail.lruPrev
	if r == o.lruHead {
		return nil
	}
	o.metrics.evictions.Add(1)
	return o.decommissionLocked(r.slot, ErrClosed)
}

// Pick a transaction ID that is unused on this connection. Random picks
// first; once the ID space is crowded, fall back to choosing the n-th unused
// ID through the sorted gaps, which always terminates. Caller holds the
// engine lock.
func (r *reuseConn) pickID(o *OutsideNetwork) (uint16, bool) {
	if len(r.idTree) >= 0x10000 {
		return 0, false
	}
	for i := 0; i < maxReuseIDRetry; i++ {
		id := uint16(o.rnd.Intn(0x10000))
		if _, ok := r.idTree[id]; !ok {
			return id, true
		}
	}
	used := make([]int, 0, len(r.idTree))
	for id := range r.idTree {
		used = append(used, int(id))
	}
	sort.Ints(used)
	sel := o.rnd.Intn(0x10000 - len(used))
	// Walk the gaps below each used ID until the selection falls inside one
	prev := 0 // first candidate in the current gap
	for _, u := range used {
		gap := u - prev // free IDs in [prev, u)
		if sel < gap {
			return uint16(prev + sel), true
		}
		sel -= gap
		prev = u + 1
	}
	return uint16(prev + sel), true
}

// Append to the tail of the connection's write queue. Caller holds the
// engine lock.
func (r *reuseConn) writeWaitPush(w *waitingTCP) {
	w.writeWaitQueued = true
	if r.writeWaitLast != nil {
		r.writeWaitLast.writeWaitNext = w
		w.writeWaitPrev = r.writeWaitLast
	} else {
		r.writeWaitFirst = w
	}
	r.writeWaitLast = w
}

// Pop the head of the write queue, nil when empty. Caller holds the engine
// lock.
func (r *reuseConn) writeWaitPop() *waitingTCP {
	w := r.writeWaitFirst
	if w == nil {
		return nil
	}
	r.writeWaitRemove(w)
	return w
}

// Unlink an entry from anywhere in the write queue. Caller holds the engine
// lock.
func (r *reuseConn) writeWaitRemove(w *waitingTCP) {
	if !w.writeWaitQueued {
		return
	}
	if w.writeWaitPrev != nil {
		w.writeWaitPrev.writeWaitNext = w.writeWaitNext
	} else {
		r.writeWaitFirst = w.writeWaitNext
	}
	if w.writeWaitNext != nil {
		w.writeWaitNext.writeWaitPrev = w.writeWaitPrev
	} else {
		r.writeWaitLast = w.writeWaitPrev
	}
	w.writeWaitPrev, w.writeWaitNext = nil, nil
	w.writeWaitQueued = false
}
