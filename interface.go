package outnet

import (
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Interface is one local address queries can be sent from. It tracks which of
// its source ports are open and which are still available, such that
// len(avail) plus len(inUse) is always the configured port total.
type Interface struct {
	ip netip.Addr

	// Prefix length for IPv6 host randomization, 0 to bind the exact address.
	pfxLen int

	// Ports not currently bound. A permutation of the configured ports minus
	// the open ones.
	avail []uint16

	// Open port commitments, indexed by PortCommitment.idx.
	inUse []*PortCommitment
}

// PortCommitment is an open UDP socket on one source port. It is shared by
// all pending queries sent from that port and closed when the last one is
// done.
type PortCommitment struct {
	iface *Interface
	idx   int // position in iface.inUse
	port  uint16
	conn  *net.UDPConn

	// Pending queries currently using this socket.
	outstanding int
}

// Parse an interface spec, an IP address with an optional /prefix suffix on
// IPv6 for host randomization.
func newInterface(s string, ports []uint16) (*Interface, error) {
	pfxLen := 0
	if i := strings.IndexByte(s, '/'); i >= 0 {
		n, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return nil, errors.Wrapf(err, "bad interface prefix %q", s)
		}
		pfxLen = n
		s = s[:i]
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return nil, errors.Wrapf(err, "bad interface address %q", s)
	}
	if pfxLen != 0 && (!ip.Is6() || pfxLen >= 128) {
		return nil, errors.Errorf("interface prefix only valid on ip6, got %q", s)
	}
	ifc := &Interface{ip: ip, pfxLen: pfxLen}
	ifc.avail = make([]uint16, len(ports))
	copy(ifc.avail, ports)
	return ifc, nil
}

// Local address to bind a new socket to. With a prefix configured the host
// part is freshly randomized per socket.
func (ifc *Interface) bindAddr(rnd *rand.Rand) netip.Addr {
	if ifc.pfxLen == 0 {
		return ifc.ip
	}
	b := ifc.ip.As16()
	for bit := ifc.pfxLen; bit < 128; bit++ {
		if rnd.Intn(2) == 1 {
			b[bit/8] |= 0x80 >> (bit % 8)
		} else {
			b[bit/8] &^= 0x80 >> (bit % 8)
		}
	}
	return netip.AddrFrom16(b)
}

func (ifc *Interface) totalPorts() int {
	return len(ifc.avail) + len(ifc.inUse)
}

// Pick a source port for a new pending query, opening a socket if the pick
// lands on a port that is not open yet. Picks are uniform over open and
// available ports, retried with a fresh random port on bind failure, up to
// maxPortRetry times. Caller holds the engine lock.
func (o *OutsideNetwork) selectIfPort(fam int) (*PortCommitment, error) {
	ifs := o.ip4
	if fam == 6 {
		ifs = o.ip6
	}
	if len(ifs) == 0 {
		return nil, errors.Errorf("no outgoing interfaces for ip%d", fam)
	}
	for tries := 0; tries < maxPortRetry; tries++ {
		ifc := ifs[o.rnd.Intn(len(ifs))]
		total := ifc.totalPorts()
		if total == 0 {
			return nil, errors.New("interface has no outgoing ports")
		}
		k := o.rnd.Intn(total)
		if k < len(ifc.inUse) {
			pc := ifc.inUse[k]
			pc.outstanding++
			return pc, nil
		}
		k -= len(ifc.inUse)
		port := ifc.avail[k]
		conn, err := o.openUDPSocket(ifc, port)
		if err != nil {
			// Port taken by another process, or transient. Try a fresh pick.
			Log.WithFields(logrus.Fields{"port": port, "error": err}).Debug("failed to bind source port")
			continue
		}
		// Commit: swap the port out of the available list
		ifc.avail[k] = ifc.avail[len(ifc.avail)-1]
		ifc.avail = ifc.avail[:len(ifc.avail)-1]
		pc := &PortCommitment{
			iface:       ifc,
			idx:         len(ifc.inUse),
			port:        port,
			conn:        conn,
			outstanding: 1,
		}
		ifc.inUse = append(ifc.inUse, pc)
		go o.udpReadLoop(pc)
		return pc, nil
	}
	return nil, errNoPorts
}

// Open a UDP socket bound to the interface and port, with the configured
// DSCP applied.
func (o *OutsideNetwork) openUDPSocket(ifc *Interface, port uint16) (*net.UDPConn, error) {
	la := &net.UDPAddr{IP: ifc.bindAddr(o.rnd).AsSlice(), Port: int(port)}
	if ifc.ip.IsUnspecified() {
		la.IP = nil
	}
	network := "udp4"
	if ifc.ip.Is6() {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, la)
	if err != nil {
		return nil, err
	}
	if o.opt.DSCP != 0 {
		setUDPDSCP(conn, ifc.ip.Is6(), o.opt.DSCP)
	}
	return conn, nil
}

// Drop one use of a port commitment. At zero uses the socket is closed and
// the port returns to the interface's available list. Caller holds the
// engine lock.
func (o *OutsideNetwork) portcommLowerUse(pc *PortCommitment) {
	pc.outstanding--
	if pc.outstanding > 0 {
		return
	}
	pc.conn.Close()
	ifc := pc.iface
	// Swap-remove from the in-use vector to keep indices contiguous
	last := len(ifc.inUse) - 1
	ifc.inUse[pc.idx] = ifc.inUse[last]
	ifc.inUse[pc.idx].idx = pc.idx
	ifc.inUse = ifc.inUse[:last]
	ifc.avail = append(ifc.avail, pc.port)
}
