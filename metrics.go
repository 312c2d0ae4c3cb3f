package outnet

import "expvar"

// TransportMetrics holds the counters exported by one engine instance under
// the "outnet.transport.<id>" expvar prefix.
type TransportMetrics struct {
	// Count of queries sent, per transport ("udp", "tcp", "tls")
	query *expvar.Map
	// Count of replies received, per response code
	response *expvar.Map
	// Count of errors, per type
	err *expvar.Map
	// Replies that matched no pending query, or matched on the wrong socket
	unwanted *expvar.Int
	// Queries that found an existing stream to pipeline onto
	reuseHits *expvar.Int
	// Stalest reused streams closed, to make room for a new destination or
	// to stay within TCPReuseMax
	evictions *expvar.Int
	// Queries parked on the UDP and TCP wait lists
	waited *expvar.Int
}

func NewTransportMetrics(id string) *TransportMetrics {
	return &TransportMetrics{
		query:     getVarMap("transport", id, "query"),
		response:  getVarMap("transport", id, "response"),
		err:       getVarMap("transport", id, "error"),
		unwanted:  getVarInt("transport", id, "unwanted"),
		reuseHits: getVarInt("transport", id, "reuse_hit"),
		evictions: getVarInt("transport", id, "eviction"),
		waited:    getVarInt("transport", id, "waited"),
	}
}
