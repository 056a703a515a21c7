package scrape

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-udp/tracker/bittorrent"
	"github.com/mochi-udp/tracker/swarm"
)

func infoHash(b byte) bittorrent.InfoHash {
	buf := make([]byte, 20)
	buf[0] = b
	return bittorrent.InfoHashFromBytes(buf)
}

// fakeSender echoes back canned per-index stats synchronously, standing
// in for a swarm.Worker's goroutine without needing one running.
type fakeSender struct {
	drop  bool
	stats func(ih bittorrent.InfoHash) bittorrent.TorrentScrapeStatistics
}

func (f *fakeSender) TrySendScrape(job swarm.ScrapeJob, replyTo chan<- swarm.ScrapeResult) bool {
	if f.drop {
		return false
	}
	stats := make([]bittorrent.TorrentScrapeStatistics, len(job.InfoHashes))
	for i, ih := range job.InfoHashes {
		stats[i] = f.stats(ih)
	}
	replyTo <- swarm.ScrapeResult{SlabKey: job.SlabKey, Indices: job.Indices, Stats: stats}
	return true
}

func TestScatterGatherReordersAcrossShards(t *testing.T) {
	g := NewGatherer()
	resultCh := make(chan swarm.ScrapeResult, 8)

	senders := map[int]*fakeSender{
		0: {stats: func(ih bittorrent.InfoHash) bittorrent.TorrentScrapeStatistics {
			return bittorrent.TorrentScrapeStatistics{Complete: uint32(ih[0])}
		}},
		1: {stats: func(ih bittorrent.InfoHash) bittorrent.TorrentScrapeStatistics {
			return bittorrent.TorrentScrapeStatistics{Complete: uint32(ih[0]) * 10}
		}},
	}

	req := &bittorrent.ScrapeRequest{InfoHashes: []bittorrent.InfoHash{
		infoHash(0), // shard 0
		infoHash(1), // shard 1
		infoHash(2), // shard 0
	}}

	done := g.Scatter(req, 2, func(s int) Sender { return senders[s] }, resultCh, time.Unix(0, 0))

	for i := 0; i < 2; i++ {
		g.Collect(<-resultCh)
	}

	select {
	case resp := <-done:
		require.Len(t, resp.Stats, 3)
		assert.Equal(t, uint32(0), resp.Stats[0].Complete)
		assert.Equal(t, uint32(10), resp.Stats[1].Complete)
		assert.Equal(t, uint32(2), resp.Stats[2].Complete)
	case <-time.After(time.Second):
		t.Fatal("gatherer never delivered a response")
	}
}

func TestScatterCompletesImmediatelyWhenEmpty(t *testing.T) {
	g := NewGatherer()
	resultCh := make(chan swarm.ScrapeResult, 1)
	req := &bittorrent.ScrapeRequest{}

	done := g.Scatter(req, 4, func(s int) Sender { return nil }, resultCh, time.Unix(0, 0))

	select {
	case resp := <-done:
		assert.Empty(t, resp.Stats)
	case <-time.After(time.Second):
		t.Fatal("empty scrape request should complete without touching any shard")
	}
}

func TestScatterCompletesDespiteDroppedShard(t *testing.T) {
	g := NewGatherer()
	resultCh := make(chan swarm.ScrapeResult, 8)

	senders := map[int]*fakeSender{
		0: {drop: true},
		1: {stats: func(ih bittorrent.InfoHash) bittorrent.TorrentScrapeStatistics {
			return bittorrent.TorrentScrapeStatistics{Complete: 7}
		}},
	}

	req := &bittorrent.ScrapeRequest{InfoHashes: []bittorrent.InfoHash{infoHash(0), infoHash(1)}}
	done := g.Scatter(req, 2, func(s int) Sender { return senders[s] }, resultCh, time.Unix(0, 0))

	g.Collect(<-resultCh)

	select {
	case resp := <-done:
		require.Len(t, resp.Stats, 2)
		assert.Equal(t, uint32(0), resp.Stats[0].Complete, "dropped shard reports zero rather than blocking")
		assert.Equal(t, uint32(7), resp.Stats[1].Complete)
	case <-time.After(time.Second):
		t.Fatal("a dropped shard must not prevent the request from completing")
	}
}

func TestSweepExpiredReclaimsStuckEntries(t *testing.T) {
	g := NewGatherer()
	resultCh := make(chan swarm.ScrapeResult, 1)

	stuckSender := &fakeSender{drop: true}
	req := &bittorrent.ScrapeRequest{InfoHashes: []bittorrent.InfoHash{infoHash(0)}}

	// Force remaining to stay above zero by bypassing the immediate-drop
	// accounting: Scatter already completes dropped-shard requests
	// synchronously, so to exercise the sweep we hold an entry open by
	// scattering against a sender that accepts the send but never replies.
	neverReplies := &fakeSender{stats: nil}
	_ = stuckSender
	done := g.Scatter(req, 1, func(s int) Sender { return blockingSender{neverReplies} }, resultCh, time.Unix(0, 0))

	reclaimed := g.SweepExpired(time.Unix(0, 0).Add(time.Hour), time.Minute)
	assert.Equal(t, 1, reclaimed)

	select {
	case resp := <-done:
		assert.Len(t, resp.Stats, 1)
	case <-time.After(time.Second):
		t.Fatal("sweep should have force-delivered the stuck entry")
	}
}

// blockingSender accepts the send (so the entry stays pending) but never
// sends a reply, simulating a swarm worker that accepted a job but is
// wedged or slow, which SweepExpired exists to bound.
type blockingSender struct {
	*fakeSender
}

func (b blockingSender) TrySendScrape(job swarm.ScrapeJob, replyTo chan<- swarm.ScrapeResult) bool {
	return true
}
