package outnet

import "net/netip"

const (
	// Buffer size advertised in outgoing OPT records.
	ednsAdvertisedSize = 4096

	// Smaller advertisements used when a timeout suggests fragments are
	// being dropped on the path.
	ednsFragSizeIP4 = 1480
	ednsFragSizeIP6 = 1232
)

// Advertised size for the frag-fallback state, by address family.
func ednsFragSize(addr netip.AddrPort) uint16 {
	if family(addr) == 6 {
		return ednsFragSizeIP6
	}
	return ednsFragSizeIP4
}

// Some servers answer EDNS queries with a malformed packet but answer plain
// queries fine. Detect their output without a full parse: a NOERROR reply
// with one question, at least one answer, a readable qname, and an answer
// record starting with three zero bytes.
func ednsMalformed(pkt []byte, qtype uint16) bool {
	if len(pkt) < headerSize {
		return true
	}
	if packetRcode(pkt) != 0 {
		return false
	}
	if packetQDCount(pkt) != 1 || packetANCount(pkt) == 0 {
		return false
	}
	qlen := wireQnameLen(pkt, headerSize)
	if qlen == 0 {
		return false
	}
	if qlen == 1 && qtype == 0 {
		// Asked for '.' type 0, zeroes are legitimate
		return false
	}
	p := headerSize + qlen + 4
	if len(pkt) < p+3 {
		return false
	}
	return pkt[p] == 0 && pkt[p+1] == 0 && pkt[p+2] == 0
}
