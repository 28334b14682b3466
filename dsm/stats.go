package dsm

import "sync/atomic"

// Stats counts what a node has done since it was built.
type Stats struct {
	Faults             uint64 `json:"faults"`
	Fetches            uint64 `json:"fetches"`
	FetchRetries       uint64 `json:"fetch_retries"`
	ZeroPages          uint64 `json:"zero_pages"`
	InvalidationsSent  uint64 `json:"invalidations_sent"`
	RequestsServed     uint64 `json:"requests_served"`
	InvalidationsTaken uint64 `json:"invalidations_taken"`
	Reads              uint64 `json:"reads"`
	Writes             uint64 `json:"writes"`
}

type counters struct {
	faults             atomic.Uint64
	fetches            atomic.Uint64
	fetchRetries       atomic.Uint64
	zeroPages          atomic.Uint64
	invalidationsSent  atomic.Uint64
	requestsServed     atomic.Uint64
	invalidationsTaken atomic.Uint64
	reads              atomic.Uint64
	writes             atomic.Uint64
}

// Stats returns a snapshot of the counters.
func (n *Node) Stats() Stats {
	c := &n.counters

	return Stats{
		Faults:             c.faults.Load(),
		Fetches:            c.fetches.Load(),
		FetchRetries:       c.fetchRetries.Load(),
		ZeroPages:          c.zeroPages.Load(),
		InvalidationsSent:  c.invalidationsSent.Load(),
		RequestsServed:     c.requestsServed.Load(),
		InvalidationsTaken: c.invalidationsTaken.Load(),
		Reads:              c.reads.Load(),
		Writes:             c.writes.Load(),
	}
}
