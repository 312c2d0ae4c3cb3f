/*
Package outnet implements the outbound network engine of a recursive DNS
resolver: it sends queries to upstream authoritative or forwarder servers and
delivers the replies back to the caller. It is purely a transport, there is no
resolution logic, answer cache or DNSSEC validation in this package.

The engine manages a pool of outbound UDP sockets with randomized source
ports, a fixed pool of outbound TCP and TLS connections that pipeline multiple
queries over one stream, matching of replies by DNS transaction ID, timeouts
and retries, EDNS capability probing with fallback to plain DNS or TCP, and a
deduplication layer that merges concurrent identical queries into a single
wire transaction.

Queries enter through the serviced-query layer:

	o, _ := outnet.New(outnet.Options{})
	sq, err := o.ServicedQuery(outnet.ServicedQueryOpts{
		Name:  "example.com.",
		Qtype: dns.TypeA,
		Addr:  netip.MustParseAddrPort("192.0.2.1:53"),
	}, func(reply *dns.Msg, rtt time.Duration, err error) {
		// reply delivered here, possibly after EDNS or TCP fallback
	}, nil)

Identical concurrent queries share one serviced entry and one wire
transaction; every registered callback receives its own copy of the reply.
Per-destination state such as round-trip times and EDNS support is read from
and written to an Infra collaborator supplied by the caller.
*/
package outnet
