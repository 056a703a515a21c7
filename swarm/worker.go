package swarm

import (
	"time"

	orderedmap "github.com/elliotchance/orderedmap/v2"
	"github.com/rs/zerolog/log"

	"github.com/mochi-udp/tracker/accesslist"
	"github.com/mochi-udp/tracker/bittorrent"
)

// Config controls one Worker's announce/scrape/cleaning behavior. It
// mirrors the `protocol.*` and `cleaning.*` keys of spec.md §6.
type Config struct {
	MaxResponsePeers        int           `yaml:"max_response_peers"`
	AnnounceInterval        time.Duration `yaml:"peer_announce_interval"`
	MaxPeerAge               time.Duration `yaml:"max_peer_age"`
	TorrentCleaningInterval time.Duration `yaml:"torrent_cleaning_interval"`
}

// Default config constants, used by Validate when a value is unreasonable.
const (
	DefaultMaxResponsePeers        = 50
	DefaultAnnounceInterval        = 30 * time.Second
	DefaultMaxPeerAge              = 30 * time.Minute
	DefaultTorrentCleaningInterval = 30 * time.Second
)

// Validate sanity-checks a Config, substituting defaults (and warning)
// for anything unreasonable, following the Validate() Config convention
// used throughout the teacher repository's config structs (e.g.
// storage/memory.Config.Validate, frontend/udp.Config.Validate).
func (cfg Config) Validate() Config {
	valid := cfg

	if valid.MaxResponsePeers <= 0 {
		log.Warn().Int("provided", cfg.MaxResponsePeers).Int("default", DefaultMaxResponsePeers).
			Msg("swarm: falling back to default MaxResponsePeers")
		valid.MaxResponsePeers = DefaultMaxResponsePeers
	}
	if valid.AnnounceInterval <= 0 {
		log.Warn().Dur("provided", cfg.AnnounceInterval).Dur("default", DefaultAnnounceInterval).
			Msg("swarm: falling back to default AnnounceInterval")
		valid.AnnounceInterval = DefaultAnnounceInterval
	}
	if valid.MaxPeerAge <= 0 {
		log.Warn().Dur("provided", cfg.MaxPeerAge).Dur("default", DefaultMaxPeerAge).
			Msg("swarm: falling back to default MaxPeerAge")
		valid.MaxPeerAge = DefaultMaxPeerAge
	}
	if valid.TorrentCleaningInterval <= 0 {
		log.Warn().Dur("provided", cfg.TorrentCleaningInterval).Dur("default", DefaultTorrentCleaningInterval).
			Msg("swarm: falling back to default TorrentCleaningInterval")
		valid.TorrentCleaningInterval = DefaultTorrentCleaningInterval
	}

	return valid
}

// AnnounceJob is the unit of work an Announce routes to its owning Worker.
type AnnounceJob struct {
	Request *bittorrent.AnnounceRequest
	Now     time.Time
}

// AnnounceResult is a Worker's reply to an AnnounceJob.
type AnnounceResult struct {
	Response *bittorrent.AnnounceResponse
	Err      error
}

// ScrapeJob carries the subset of a scrape request owned by one shard,
// alongside the original positional indices of those info hashes so the
// scatter/gather layer (package scrape) can reassemble the client's
// response in request order — see spec.md §4.5.
type ScrapeJob struct {
	SlabKey    uint64
	Indices    []int
	InfoHashes []bittorrent.InfoHash
	Now        time.Time
}

// ScrapeResult is a Worker's reply to a ScrapeJob.
type ScrapeResult struct {
	SlabKey uint64
	Indices []int
	Stats   []bittorrent.TorrentScrapeStatistics
}

type announceEnvelope struct {
	job     AnnounceJob
	replyTo chan<- AnnounceResult
}

type scrapeEnvelope struct {
	job     ScrapeJob
	replyTo chan<- ScrapeResult
}

type statsEnvelope struct {
	replyTo chan<- Snapshot
}

// Worker exclusively owns one shard of the global torrent population. All
// of its state is worker-local; only the channels below and the shared
// accesslist.Swappable cross its goroutine boundary.
type Worker struct {
	Index int

	cfg        Config
	accessList *accesslist.Swappable
	shard      *shard

	announceCh chan announceEnvelope
	scrapeCh   chan scrapeEnvelope
	statsCh    chan statsEnvelope
	done       chan struct{}
}

// NewWorker creates a Worker. channelSize bounds the inbound request
// channels (spec.md's `worker_channel_size`); sends beyond this capacity
// are dropped by the caller via TrySendAnnounce/TrySendScrape rather than
// blocking the socket read loop.
func NewWorker(index int, cfg Config, accessList *accesslist.Swappable, channelSize int) *Worker {
	return &Worker{
		Index:      index,
		cfg:        cfg.Validate(),
		accessList: accessList,
		shard:      newShard(),
		announceCh: make(chan announceEnvelope, channelSize),
		scrapeCh:   make(chan scrapeEnvelope, channelSize),
		statsCh:    make(chan statsEnvelope, 1),
		done:       make(chan struct{}),
	}
}

// TrySendAnnounce enqueues job without blocking, replying on replyTo.
// It reports false if the worker's inbound channel was full, in which case
// the caller must drop the request (spec.md §7: channel full is a drop
// with a rate-limited log, never a block).
func (w *Worker) TrySendAnnounce(job AnnounceJob, replyTo chan<- AnnounceResult) bool {
	select {
	case w.announceCh <- announceEnvelope{job, replyTo}:
		return true
	default:
		return false
	}
}

// TrySendScrape enqueues job without blocking; see TrySendAnnounce.
func (w *Worker) TrySendScrape(job ScrapeJob, replyTo chan<- ScrapeResult) bool {
	select {
	case w.scrapeCh <- scrapeEnvelope{job, replyTo}:
		return true
	default:
		return false
	}
}

// RequestSnapshot asks this Worker to report its current torrent/peer
// counts, without blocking. It is safe to call from the statistics
// reporter's own goroutine, since the snapshot is computed inside Run's
// loop rather than read directly off w.shard.
func (w *Worker) RequestSnapshot(replyTo chan<- Snapshot) bool {
	select {
	case w.statsCh <- statsEnvelope{replyTo}:
		return true
	default:
		return false
	}
}

// Run blocks, dequeueing announce and scrape jobs and running the cleaner
// on a timer, until Stop is called. It must be run in its own goroutine;
// it performs no locking because nothing but this goroutine ever touches
// w.shard.
func (w *Worker) Run() {
	ticker := time.NewTicker(w.cfg.TorrentCleaningInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case env := <-w.announceCh:
			env.replyTo <- w.handleAnnounce(env.job)
		case env := <-w.scrapeCh:
			env.replyTo <- w.handleScrape(env.job)
		case env := <-w.statsCh:
			env.replyTo <- w.snapshot()
		case now := <-ticker.C:
			w.clean(now)
		}
	}
}

// Stop asks Run to return. It does not wait for Run to observe the signal.
func (w *Worker) Stop() {
	close(w.done)
}

var errInfoHashNotAllowed = bittorrent.ClientError("info hash not allowed")

// handleAnnounce implements spec.md §4.3's announce algorithm.
func (w *Worker) handleAnnounce(job AnnounceJob) AnnounceResult {
	req := job.Request

	if !w.accessList.Allows(req.InfoHash) {
		log.Debug().Str("client", bittorrent.NewClientID(req.Peer.ID).String()).
			Msg("swarm: announce rejected, info hash not allowed")
		return AnnounceResult{Err: errInfoHashNotAllowed}
	}

	torrents := w.shard.torrents(req.AddressFamily)
	torrent, ok := torrents.Get(req.InfoHash)
	if !ok {
		torrent = newTorrentData()
		torrents.Set(req.InfoHash, torrent)
	}

	status, store := StatusFromEventAndLeft(req.Event, req.Left)

	existing, hadPeer := torrent.Peers.Get(req.Peer.ID)
	if hadPeer {
		adjustCounters(torrent, existing.Status, -1)
	}

	if !store {
		if hadPeer {
			torrent.Peers.Delete(req.Peer.ID)
		}
	} else {
		peer := &Peer{
			IP:         req.Peer.IP,
			Port:       req.Peer.Port,
			Status:     status,
			ValidUntil: job.Now.Add(w.cfg.MaxPeerAge),
		}
		torrent.Peers.Set(req.Peer.ID, peer)
		adjustCounters(torrent, status, +1)
	}

	if torrent.Peers.Len() == 0 {
		torrents.Delete(req.InfoHash)
	}

	numWant := w.cfg.MaxResponsePeers
	if req.NumWant >= 0 && int(req.NumWant) < numWant {
		numWant = int(req.NumWant)
	}

	selected := selectPeers(torrent.Peers, req.Peer.ID, status == Seeding && store, numWant)

	resp := &bittorrent.AnnounceResponse{
		Interval: uint32(w.cfg.AnnounceInterval / time.Second),
		Seeders:  uint32(torrent.NumSeeders),
		Leechers: uint32(torrent.NumLeechers),
	}
	for _, p := range selected {
		peer := bittorrent.Peer{IP: p.IP, Port: p.Port}
		if req.AddressFamily == bittorrent.IPv6 {
			resp.IPv6Peers = append(resp.IPv6Peers, peer)
		} else {
			resp.IPv4Peers = append(resp.IPv4Peers, peer)
		}
	}

	return AnnounceResult{Response: resp}
}

func adjustCounters(t *TorrentData, status Status, delta int) {
	switch status {
	case Seeding:
		t.NumSeeders += delta
	case Leeching:
		t.NumLeechers += delta
	}
	if t.NumSeeders < 0 {
		t.NumSeeders = 0
	}
	if t.NumLeechers < 0 {
		t.NumLeechers = 0
	}
}

// handleScrape implements spec.md §4.3's scrape handling: for each
// requested info hash owned by this shard, report its current counters (or
// zeros if untracked), preserving original positional indices.
func (w *Worker) handleScrape(job ScrapeJob) ScrapeResult {
	stats := make([]bittorrent.TorrentScrapeStatistics, len(job.InfoHashes))

	for i, ih := range job.InfoHashes {
		var complete, incomplete uint32
		if t, ok := w.shard.v4.Get(ih); ok {
			complete += uint32(t.NumSeeders)
			incomplete += uint32(t.NumLeechers)
		}
		if t, ok := w.shard.v6.Get(ih); ok {
			complete += uint32(t.NumSeeders)
			incomplete += uint32(t.NumLeechers)
		}
		stats[i] = bittorrent.TorrentScrapeStatistics{Complete: complete, Incomplete: incomplete}
	}

	return ScrapeResult{SlabKey: job.SlabKey, Indices: job.Indices, Stats: stats}
}

// clean implements spec.md §4.4: evict expired peers, drop empty or
// disallowed torrents, and compact the backing maps.
func (w *Worker) clean(now time.Time) {
	w.cleanMap(w.shard.v4, now)
	w.cleanMap(w.shard.v6, now)
}

func (w *Worker) cleanMap(torrents *TorrentMap, now time.Time) {
	list := w.accessList.Load()

	var dropped []bittorrent.InfoHash
	shrunkAny := false

	for el := torrents.Front(); el != nil; el = el.Next() {
		ih, torrent := el.Key, el.Value

		removedAny := false
		var staleKeys []bittorrent.PeerID
		for pel := torrent.Peers.Front(); pel != nil; pel = pel.Next() {
			if pel.Value.expired(now) {
				staleKeys = append(staleKeys, pel.Key)
			}
		}
		for _, id := range staleKeys {
			if p, ok := torrent.Peers.Get(id); ok {
				adjustCounters(torrent, p.Status, -1)
				torrent.Peers.Delete(id)
				removedAny = true
			}
		}
		if removedAny {
			shrinkPeerMap(torrent)
			shrunkAny = true
		}

		if torrent.Peers.Len() == 0 || !list.Allows(ih) {
			dropped = append(dropped, ih)
		}
	}

	for _, ih := range dropped {
		torrents.Delete(ih)
	}

	if shrunkAny || len(dropped) > 0 {
		shrinkTorrentMap(torrents)
	}
}

// shrinkPeerMap rebuilds t.Peers into a freshly-allocated map with no spare
// capacity from deleted entries — the Go analogue of the source's
// `shrink_to_fit` call, since Go's map (and this ordered map on top of it)
// never reclaims bucket capacity on Delete.
func shrinkPeerMap(t *TorrentData) {
	fresh := orderedmap.NewOrderedMap[bittorrent.PeerID, *Peer]()
	for el := t.Peers.Front(); el != nil; el = el.Next() {
		fresh.Set(el.Key, el.Value)
	}
	t.Peers = fresh
}

// shrinkTorrentMap is shrinkPeerMap's counterpart for the torrent map
// itself, called once per cleaning pass rather than once per torrent.
func shrinkTorrentMap(torrents *TorrentMap) {
	type kv struct {
		k bittorrent.InfoHash
		v *TorrentData
	}
	kept := make([]kv, 0, torrents.Len())
	for el := torrents.Front(); el != nil; el = el.Next() {
		kept = append(kept, kv{el.Key, el.Value})
	}

	for el := torrents.Front(); el != nil; {
		next := el.Next()
		torrents.Delete(el.Key)
		el = next
	}
	for _, e := range kept {
		torrents.Set(e.k, e.v)
	}
}

// Snapshot reports the current peer/torrent counts for statistics
// reporting (spec.md §2's statistics aggregator). It is only safe to call
// from the Worker's own goroutine — the statistics aggregator must ask the
// worker for this via the same channel discipline as everything else, or
// accept eventually-consistent atomics updated by the worker itself.
type Snapshot struct {
	Torrents    int
	NumSeeders  int
	NumLeechers int

	// PeerCounts holds one entry per torrent (seeders+leechers), for
	// feeding a stats.PeerHistogram. Allocated lazily; empty on an idle
	// shard.
	PeerCounts []int
}

func (w *Worker) snapshot() Snapshot {
	var s Snapshot
	for _, tm := range [2]*TorrentMap{w.shard.v4, w.shard.v6} {
		s.Torrents += tm.Len()
		for el := tm.Front(); el != nil; el = el.Next() {
			s.NumSeeders += el.Value.NumSeeders
			s.NumLeechers += el.Value.NumLeechers
			s.PeerCounts = append(s.PeerCounts, el.Value.NumSeeders+el.Value.NumLeechers)
		}
	}
	return s
}
