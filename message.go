package outnet

import "encoding/binary"

// Size of the fixed DNS message header.
const headerSize = 12

// Transaction ID from the first two bytes of a wire message. The packet must
// be at least headerSize long.
func packetID(pkt []byte) uint16 {
	return binary.BigEndian.Uint16(pkt)
}

// Overwrite the transaction ID in a wire message.
func setPacketID(pkt []byte, id uint16) {
	binary.BigEndian.PutUint16(pkt, id)
}

// Response code from the low 4 bits of the flags.
func packetRcode(pkt []byte) int {
	return int(pkt[3] & 0x0f)
}

// TC bit of a wire message.
func packetTC(pkt []byte) bool {
	return pkt[2]&0x02 != 0
}

func packetQDCount(pkt []byte) uint16 {
	return binary.BigEndian.Uint16(pkt[4:])
}

func packetANCount(pkt []byte) uint16 {
	return binary.BigEndian.Uint16(pkt[6:])
}

// Length of the (uncompressed) qname starting at the given offset, including
// the root label. Returns 0 if the name is absent or runs past the packet.
// Compressed names are not valid in the question section of our own queries,
// which is the only place this is used on.
func wireQnameLen(pkt []byte, off int) int {
	n := 0
	for {
		if off+n >= len(pkt) {
			return 0
		}
		l := int(pkt[off+n])
		if l == 0 {
			return n + 1
		}
		if l > 63 {
			return 0
		}
		n += l + 1
	}
}
