package stats

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/mochi-udp/tracker/swarm"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Name:      "requests_total",
		Help:      "Requests received (action=\"received\") and responses sent, by action.",
	}, []string{"action"})

	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Name:      "bytes_total",
		Help:      "Bytes moved across the UDP socket, by direction.",
	}, []string{"direction"})

	torrentsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracker",
		Name:      "torrents",
		Help:      "Torrents currently tracked across all swarm workers.",
	})

	peersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tracker",
		Name:      "peers",
		Help:      "Peers currently tracked, by status.",
	}, []string{"status"})

	peersPerTorrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tracker",
		Name:      "peers_per_torrent",
		Help:      "Distribution of peer counts across tracked torrents.",
	}, []string{"quantile"})

	heapBytesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracker",
		Name:      "heap_bytes_allocated",
		Help:      "Bytes of heap memory allocated and still in use.",
	})
)

// MustRegister registers the reporter's collectors with reg. Panics on a
// duplicate registration, matching prometheus.MustRegister's convention
// used for idempotent process-lifetime setup.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(requestsTotal, bytesTotal, torrentsGauge, peersGauge, peersPerTorrent, heapBytesGauge)
}

// Reporter periodically drains Counters and swarm worker snapshots into
// logs and Prometheus gauges, grounded on aquatic_udp's
// gather_and_print_statistics task and the teacher's debug.go periodic
// dump, generalized from stdout printing to structured zerolog events
// plus metrics export.
type Reporter struct {
	counters *Counters
	swarms   []*swarm.Worker
	mem      *MemStatsWrapper
	interval time.Duration
}

// NewReporter builds a Reporter over counters and swarmWorkers, reporting
// every interval.
func NewReporter(counters *Counters, swarmWorkers []*swarm.Worker, interval time.Duration) *Reporter {
	return &Reporter{
		counters: counters,
		swarms:   swarmWorkers,
		mem:      NewMemStatsWrapper(false),
		interval: interval,
	}
}

// Run blocks, reporting on a ticker until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportOnce()
		}
	}
}

func (r *Reporter) reportOnce() {
	snap := r.counters.TakeAndReset()
	requestsTotal.WithLabelValues("received").Add(float64(snap.RequestsReceived))
	requestsTotal.WithLabelValues("connect").Add(float64(snap.ResponsesSentConnect))
	requestsTotal.WithLabelValues("announce").Add(float64(snap.ResponsesSentAnnounce))
	requestsTotal.WithLabelValues("scrape").Add(float64(snap.ResponsesSentScrape))
	requestsTotal.WithLabelValues("error").Add(float64(snap.ResponsesSentError))
	bytesTotal.WithLabelValues("received").Add(float64(snap.BytesReceived))
	bytesTotal.WithLabelValues("sent").Add(float64(snap.BytesSent))

	torrents, seeders, leechers := 0, 0, 0
	hist := NewPeerHistogram(256)
	for _, w := range r.swarms {
		reply := make(chan swarm.Snapshot, 1)
		if !w.RequestSnapshot(reply) {
			log.Warn().Int("worker", w.Index).Msg("stats: snapshot request dropped, worker busy")
			continue
		}
		shard := <-reply
		torrents += shard.Torrents
		seeders += shard.NumSeeders
		leechers += shard.NumLeechers
		for _, peers := range shard.PeerCounts {
			hist.AddSample(peers)
		}
	}

	torrentsGauge.Set(float64(torrents))
	peersGauge.WithLabelValues("seeder").Set(float64(seeders))
	peersGauge.WithLabelValues("leecher").Set(float64(leechers))

	hs := hist.Snapshot()
	peersPerTorrent.WithLabelValues("p50").Set(hs.P50)
	peersPerTorrent.WithLabelValues("p90").Set(hs.P90)
	peersPerTorrent.WithLabelValues("p99").Set(hs.P99)

	r.mem.Update()
	heapBytesGauge.Set(float64(r.mem.basic.HeapAlloc))

	log.Info().
		Uint64("requests_received", snap.RequestsReceived).
		Uint64("responses_announce", snap.ResponsesSentAnnounce).
		Uint64("responses_scrape", snap.ResponsesSentScrape).
		Uint64("responses_error", snap.ResponsesSentError).
		Int("torrents", torrents).
		Int("seeders", seeders).
		Int("leechers", leechers).
		Int64("peers_per_torrent_samples", hs.Count).
		Float64("peers_per_torrent_p50", hs.P50).
		Float64("peers_per_torrent_p99", hs.P99).
		Msg("stats: interval report")
}
