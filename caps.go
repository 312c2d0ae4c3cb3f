package outnet

import (
	"bytes"
	"math/rand"

	"github.com/miekg/dns"
)

// Stop following compression pointers in a reply after this many hops.
const maxCompressPtrs = 256

// Randomize the case of every alphabetic byte of a name. The 0x20 bits add
// entropy on top of the transaction ID against reply spoofing.
func perturbName(rnd *rand.Rand, name string) string {
	b := []byte(name)
	var random int64
	bits := 0
	for i, c := range b {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			if bits == 0 {
				random = rnd.Int63()
				bits = 62
			}
			if random&1 == 1 {
				b[i] = c | 0x20
			} else {
				b[i] = c &^ 0x20
			}
			random >>= 1
			bits--
		}
	}
	return string(b)
}

// Wire form of a domain name, no compression.
func packName(name string) ([]byte, error) {
	buf := make([]byte, 256)
	n, err := dns.PackDomainName(name, buf, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Compare the qname of a reply bitwise against the qname that was sent,
// following compression pointers in the reply. Used to verify the echoed
// 0x20 bits.
func checkCapsQname(pkt []byte, sent []byte) bool {
	if len(pkt) < headerSize+1+4 || len(sent) == 0 {
		return false
	}
	d1 := headerSize // into pkt
	d2 := 0          // into sent
	hops := 0
	len1 := int(pkt[d1])
	d1++
	len2 := int(sent[d2])
	d2++
	for len1 != 0 || len2 != 0 {
		if len1&0xc0 == 0xc0 {
			if d1 >= len(pkt) {
				return false
			}
			ptr := (len1&0x3f)<<8 | int(pkt[d1])
			if ptr >= len(pkt) {
				return false
			}
			hops++
			if hops > maxCompressPtrs {
				return false
			}
			d1 = ptr
			len1 = int(pkt[d1])
			d1++
			continue
		}
		if len1 != len2 || len1 > 63 {
			return false
		}
		if d1+len1 >= len(pkt) || d2+len2 >= len(sent) {
			return false
		}
		if !bytes.Equal(pkt[d1:d1+len1], sent[d2:d2+len2]) {
			return false
		}
		d1 += len1
		d2 += len2
		len1 = int(pkt[d1])
		d1++
		len2 = int(sent[d2])
		d2++
	}
	return true
}

// Lowercase the qname of a reply in place, for cache-friendly contents
// after the 0x20 check. The question section is never compressed, a pointer
// or truncation just stops the walk.
func lowercasePktQname(pkt []byte) {
	off := headerSize
	for off < len(pkt) {
		l := int(pkt[off])
		if l == 0 || l&0xc0 != 0 {
			return
		}
		for i := off + 1; i <= off+l && i < len(pkt); i++ {
			if pkt[i] >= 'A' && pkt[i] <= 'Z' {
				pkt[i] |= 0x20
			}
		}
		off += l + 1
	}
}
