package outnet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPerturbNameKeepsIdentity(t *testing.T) {
	rnd := newRand()
	name := "www.example-name.com."
	p := perturbName(rnd, name)
	require.Equal(t, strings.ToLower(name), strings.ToLower(p))
	require.Len(t, p, len(name))
}

func TestCheckCapsQnameEcho(t *testing.T) {
	sent, err := packName("wWw.ExAmPle.cOm.")
	require.NoError(t, err)

	// Reply echoing the exact bytes passes
	pkt := make([]byte, headerSize)
	pkt = append(pkt, sent...)
	pkt = append(pkt, 0, 1, 0, 1) // qtype, qclass
	require.True(t, checkCapsQname(pkt, sent))

	// A case-squashed reply fails
	lower, err := packName("www.example.com.")
	require.NoError(t, err)
	pkt2 := make([]byte, headerSize)
	pkt2 = append(pkt2, lower...)
	pkt2 = append(pkt2, 0, 1, 0, 1)
	require.False(t, checkCapsQname(pkt2, sent))

	// A different name fails
	other, err := packName("wWw.ExAmPle.oRg.")
	require.NoError(t, err)
	pkt3 := make([]byte, headerSize)
	pkt3 = append(pkt3, other...)
	pkt3 = append(pkt3, 0, 1, 0, 1)
	require.False(t, checkCapsQname(pkt3, sent))
}

func TestCheckCapsQnameCompressionPointer(t *testing.T) {
	sent, err := packName("ExAmple.cOm.")
	require.NoError(t, err)

	// Question is a pointer to the name stored later in the packet
	pkt := make([]byte, headerSize)
	pkt = append(pkt, 0xc0, byte(headerSize+2+4)) // pointer past the question
	pkt = append(pkt, 0, 1, 0, 1)
	pkt = append(pkt, sent...)
	pkt = append(pkt, 0, 0, 0, 0) // room past the name
	require.True(t, checkCapsQname(pkt, sent))

	// A pointer chasing itself gives up
	loop := make([]byte, headerSize)
	loop = append(loop, 0xc0, byte(headerSize))
	loop = append(loop, 0, 1, 0, 1)
	require.False(t, checkCapsQname(loop, sent))
}

func TestCheckCapsQnameTruncated(t *testing.T) {
	sent, err := packName("example.com.")
	require.NoError(t, err)
	require.False(t, checkCapsQname([]byte{0, 0, 0}, sent))

	// Name runs off the end of the packet
	pkt := make([]byte, headerSize)
	pkt = append(pkt, 60) // label length with no label
	require.False(t, checkCapsQname(pkt, sent))
}

func TestLowercasePktQname(t *testing.T) {
	wire, err := packName("WwW.ExAmPlE.CoM.")
	require.NoError(t, err)
	pkt := make([]byte, headerSize)
	pkt = append(pkt, wire...)
	pkt = append(pkt, 0, 1, 0, 1)

	lowercasePktQname(pkt)
	lower, err := packName("www.example.com.")
	require.NoError(t, err)
	require.Equal(t, lower, pkt[headerSize:headerSize+len(lower)])
}
