// Package stats implements the tracker's statistics counters and the
// periodic reporter that drains them, grounded on
// _examples/original_source/aquatic_udp/src/common.rs's Statistics struct
// and lib/mio/tasks.rs's gather_and_print_statistics, which takes an
// interval snapshot by atomically resetting each counter to zero
// (`fetch_and(0, Ordering::SeqCst)`) rather than accumulating forever.
// Go's atomic package has no fetch-and, but atomic.Uint64.Swap(0) is the
// same operation: read-and-reset in one atomic step.
package stats

import "sync/atomic"

// Counters are incremented on the hot path by UDP socket workers and
// WebSocket connections without any locking. Torrent and peer counts are
// not kept here; the Reporter asks each swarm worker for a Snapshot.
type Counters struct {
	RequestsReceived atomic.Uint64
	ResponsesSentConnect  atomic.Uint64
	ResponsesSentAnnounce atomic.Uint64
	ResponsesSentScrape   atomic.Uint64
	ResponsesSentError    atomic.Uint64
	BytesReceived atomic.Uint64
	BytesSent     atomic.Uint64
}

// Snapshot is one interval's worth of counters, taken destructively (each
// field in Counters is reset to zero as it's read).
type Snapshot struct {
	RequestsReceived      uint64
	ResponsesSentConnect  uint64
	ResponsesSentAnnounce uint64
	ResponsesSentScrape   uint64
	ResponsesSentError    uint64
	BytesReceived         uint64
	BytesSent             uint64
}

// TakeAndReset atomically reads and zeroes every counter, mirroring the
// source's fetch_and(0) interval-reset pattern.
func (c *Counters) TakeAndReset() Snapshot {
	return Snapshot{
		RequestsReceived:      c.RequestsReceived.Swap(0),
		ResponsesSentConnect:  c.ResponsesSentConnect.Swap(0),
		ResponsesSentAnnounce: c.ResponsesSentAnnounce.Swap(0),
		ResponsesSentScrape:   c.ResponsesSentScrape.Swap(0),
		ResponsesSentError:    c.ResponsesSentError.Swap(0),
		BytesReceived:         c.BytesReceived.Swap(0),
		BytesSent:             c.BytesSent.Swap(0),
	}
}
