// Package scrape implements the scatter/gather layer that lets a single
// client scrape request span multiple swarm shards. A request's info
// hashes are grouped by shard and dispatched as one swarm.ScrapeJob per
// shard touched; this package reassembles the shards' replies into one
// response in the client's original order.
//
// Grounded in aquatic_udp/src/common.rs's PendingScrapeRequest /
// PendingScrapeResponse pair, which carries a slab_key plus a
// BTreeMap<usize, InfoHash> of original positional indices for exactly
// this purpose. Go has no ready BTreeMap in the dependency graph pulled
// in by the teacher, so indices travel as a parallel []int instead.
package scrape

import (
	"sync"
	"time"

	"github.com/mochi-udp/tracker/bittorrent"
	"github.com/mochi-udp/tracker/swarm"
)

// Sender is the subset of *swarm.Worker the gatherer depends on, so tests
// can substitute a fake shard.
type Sender interface {
	TrySendScrape(job swarm.ScrapeJob, replyTo chan<- swarm.ScrapeResult) bool
}

// Response is the client-ordered result of one scattered scrape request.
type Response struct {
	Stats []bittorrent.TorrentScrapeStatistics
}

type pending struct {
	createdAt time.Time
	remaining int
	stats     []bittorrent.TorrentScrapeStatistics
	done      chan Response
	delivered bool
}

// Gatherer assembles per-shard scrape replies. One Gatherer is typically
// owned by a socket worker or a WebSocket connection handler; its methods
// lock briefly and are safe to call from multiple goroutines (a send
// goroutine and a periodic sweeper, for instance).
type Gatherer struct {
	mu      sync.Mutex
	nextKey uint64
	entries map[uint64]*pending
}

// NewGatherer creates an empty Gatherer.
func NewGatherer() *Gatherer {
	return &Gatherer{entries: make(map[uint64]*pending)}
}

// WorkerFor resolves the Sender owning a given shard index.
type WorkerFor func(shard int) Sender

// Scatter splits req across the shards its info hashes belong to (by
// InfoHash.Shard(numShards)) and dispatches one swarm.ScrapeJob per shard
// touched, all replying on resultCh. It returns a channel that receives
// exactly one Response once every dispatched shard has either replied or
// been confirmed dropped (its worker's inbound channel was full). A
// dropped shard's info hashes come back as the zero TorrentScrapeStatistics
// rather than blocking the whole request, matching this project's
// no-blocking-on-the-hot-path rule.
//
// If every info hash in req is empty, Scatter still returns a channel,
// which fires immediately: a refusal to even resolve a fully-empty scrape
// request is a front end's job (see frontend/ws's handling of a bare
// scrape with no info hashes), not this package's.
func (g *Gatherer) Scatter(req *bittorrent.ScrapeRequest, numShards int, workerFor WorkerFor, resultCh chan<- swarm.ScrapeResult, now time.Time) <-chan Response {
	byShard := make(map[int][]int)
	for i, ih := range req.InfoHashes {
		s := ih.Shard(numShards)
		byShard[s] = append(byShard[s], i)
	}

	done := make(chan Response, 1)

	g.mu.Lock()
	key := g.nextKey
	g.nextKey++
	p := &pending{
		createdAt: now,
		remaining: len(byShard),
		stats:     make([]bittorrent.TorrentScrapeStatistics, len(req.InfoHashes)),
		done:      done,
	}
	if len(byShard) == 0 {
		p.remaining = 0
	}
	g.entries[key] = p
	complete := p.remaining == 0
	g.mu.Unlock()

	if complete {
		g.deliver(key)
		return done
	}

	for s, indices := range byShard {
		hashes := make([]bittorrent.InfoHash, len(indices))
		for j, idx := range indices {
			hashes[j] = req.InfoHashes[idx]
		}
		job := swarm.ScrapeJob{SlabKey: key, Indices: indices, InfoHashes: hashes, Now: now}

		sender := workerFor(s)
		if sender == nil || !sender.TrySendScrape(job, resultCh) {
			g.shardDone(key, nil, nil)
		}
	}

	return done
}

// Collect applies one shard's reply. Call this for every swarm.ScrapeResult
// received on the channel passed to Scatter.
func (g *Gatherer) Collect(result swarm.ScrapeResult) {
	g.shardDone(result.SlabKey, result.Indices, result.Stats)
}

func (g *Gatherer) shardDone(key uint64, indices []int, stats []bittorrent.TorrentScrapeStatistics) {
	g.mu.Lock()
	p, ok := g.entries[key]
	if !ok {
		g.mu.Unlock()
		return
	}
	for i, idx := range indices {
		if idx >= 0 && idx < len(p.stats) {
			p.stats[idx] = stats[i]
		}
	}
	p.remaining--
	done := p.remaining <= 0
	g.mu.Unlock()

	if done {
		g.deliver(key)
	}
}

func (g *Gatherer) deliver(key uint64) {
	g.mu.Lock()
	p, ok := g.entries[key]
	if !ok || p.delivered {
		g.mu.Unlock()
		return
	}
	p.delivered = true
	delete(g.entries, key)
	g.mu.Unlock()

	p.done <- Response{Stats: p.stats}
}

// SweepExpired force-completes (with whatever partial data has arrived)
// any entry older than maxAge. It must be run periodically by the owning
// front end; without it, a shard reply that never arrives (a bug, not the
// channel-full path already handled by Scatter) would leak its slot
// forever.
func (g *Gatherer) SweepExpired(now time.Time, maxAge time.Duration) int {
	g.mu.Lock()
	var stale []uint64
	for key, p := range g.entries {
		if now.Sub(p.createdAt) > maxAge {
			stale = append(stale, key)
		}
	}
	g.mu.Unlock()

	for _, key := range stale {
		g.deliver(key)
	}
	return len(stale)
}
