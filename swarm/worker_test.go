package swarm

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-udp/tracker/accesslist"
	"github.com/mochi-udp/tracker/bittorrent"
)

func testConfig() Config {
	return Config{
		MaxResponsePeers:        50,
		AnnounceInterval:        30 * time.Second,
		MaxPeerAge:              30 * time.Minute,
		TorrentCleaningInterval: time.Hour, // never fires during tests
	}
}

func peerID(b byte) bittorrent.PeerID {
	buf := make([]byte, 20)
	buf[0] = b
	return bittorrent.PeerIDFromBytes(buf)
}

func infoHash(b byte) bittorrent.InfoHash {
	buf := make([]byte, 20)
	buf[0] = b
	return bittorrent.InfoHashFromBytes(buf)
}

func announce(id byte, ih byte, event bittorrent.Event, left uint64) AnnounceJob {
	return AnnounceJob{
		Request: &bittorrent.AnnounceRequest{
			InfoHash: infoHash(ih),
			Peer: bittorrent.Peer{
				ID:   peerID(id),
				IP:   net.ParseIP("10.0.0.1"),
				Port: 6881,
			},
			Event:   event,
			Left:    left,
			NumWant: -1,
		},
		Now: time.Unix(1000, 0),
	}
}

func TestHandleAnnounceNewSeederThenLeecher(t *testing.T) {
	w := NewWorker(0, testConfig(), accesslist.NewSwappable(), 8)

	seed := w.handleAnnounce(announce(1, 1, bittorrent.Started, 0))
	require.NoError(t, seed.Err)
	assert.Equal(t, uint32(1), seed.Response.Seeders)
	assert.Equal(t, uint32(0), seed.Response.Leechers)
	assert.Empty(t, seed.Response.IPv4Peers, "requester must never appear in its own response")

	leech := w.handleAnnounce(announce(2, 1, bittorrent.Started, 100))
	require.NoError(t, leech.Err)
	assert.Equal(t, uint32(1), leech.Response.Seeders)
	assert.Equal(t, uint32(1), leech.Response.Leechers)
	require.Len(t, leech.Response.IPv4Peers, 1)
}

func TestHandleAnnounceStoppedRemovesPeer(t *testing.T) {
	w := NewWorker(0, testConfig(), accesslist.NewSwappable(), 8)

	w.handleAnnounce(announce(1, 1, bittorrent.Started, 0))
	torrent, ok := w.shard.v4.Get(infoHash(1))
	require.True(t, ok)
	assert.Equal(t, 1, torrent.Peers.Len())

	result := w.handleAnnounce(announce(1, 1, bittorrent.Stopped, 0))
	require.NoError(t, result.Err)
	assert.Equal(t, uint32(0), result.Response.Seeders)

	_, stillPresent := w.shard.v4.Get(infoHash(1))
	assert.False(t, stillPresent, "torrent with no remaining peers must be dropped")
}

func TestHandleAnnounceDeniedInfoHash(t *testing.T) {
	list, err := accesslist.New(accesslist.Deny, []string{"0100000000000000000000000000000000000000"})
	require.NoError(t, err)
	swap := accesslist.NewSwappable()
	swap.Store(list)

	w := NewWorker(0, testConfig(), swap, 8)
	result := w.handleAnnounce(announce(1, 1, bittorrent.Started, 0))
	assert.Error(t, result.Err)
	assert.Nil(t, result.Response)
}

func TestHandleScrapePreservesIndicesAndZerosUntracked(t *testing.T) {
	w := NewWorker(0, testConfig(), accesslist.NewSwappable(), 8)
	w.handleAnnounce(announce(1, 5, bittorrent.Started, 0))

	job := ScrapeJob{
		SlabKey:    42,
		Indices:    []int{2, 0},
		InfoHashes: []bittorrent.InfoHash{infoHash(9), infoHash(5)},
		Now:        time.Unix(1000, 0),
	}
	result := w.handleScrape(job)

	require.Equal(t, uint64(42), result.SlabKey)
	require.Equal(t, []int{2, 0}, result.Indices)
	require.Len(t, result.Stats, 2)
	assert.Equal(t, uint32(0), result.Stats[0].Complete, "untracked info hash scrapes as all zero")
	assert.Equal(t, uint32(1), result.Stats[1].Complete)
}

func TestCleanRemovesExpiredPeers(t *testing.T) {
	w := NewWorker(0, testConfig(), accesslist.NewSwappable(), 8)
	job := announce(1, 1, bittorrent.Started, 0)
	job.Now = time.Unix(0, 0)
	w.handleAnnounce(job)

	torrent, ok := w.shard.v4.Get(infoHash(1))
	require.True(t, ok)
	require.Equal(t, 1, torrent.NumSeeders)

	w.clean(time.Unix(0, 0).Add(31 * time.Minute))

	_, stillPresent := w.shard.v4.Get(infoHash(1))
	assert.False(t, stillPresent, "expired peer's now-empty torrent must be dropped by clean")
}

func TestCleanDropsNowDisallowedTorrent(t *testing.T) {
	swap := accesslist.NewSwappable()
	w := NewWorker(0, testConfig(), swap, 8)
	job := announce(1, 1, bittorrent.Started, 0)
	w.handleAnnounce(job)

	list, err := accesslist.New(accesslist.Deny, []string{"0100000000000000000000000000000000000000"})
	require.NoError(t, err)
	swap.Store(list)

	w.clean(time.Unix(1000, 0))

	_, stillPresent := w.shard.v4.Get(infoHash(1))
	assert.False(t, stillPresent, "torrent newly excluded by the access list must be dropped on the next clean pass")
}

func TestTrySendDropsWhenChannelFull(t *testing.T) {
	w := NewWorker(0, testConfig(), accesslist.NewSwappable(), 1)
	reply := make(chan AnnounceResult, 2)

	job := announce(1, 1, bittorrent.Started, 0)
	assert.True(t, w.TrySendAnnounce(job, reply), "first send should fit in the channel")
	assert.False(t, w.TrySendAnnounce(job, reply), "second send should be dropped once the channel is full")
}
