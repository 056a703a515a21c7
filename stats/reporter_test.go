package stats

import (
	"testing"
	"time"

	"github.com/mochi-udp/tracker/accesslist"
	"github.com/mochi-udp/tracker/bittorrent"
	"github.com/mochi-udp/tracker/swarm"
)

func TestReporterReportOnceDrainsCountersAndSnapshots(t *testing.T) {
	accessList := accesslist.NewSwappable()
	worker := swarm.NewWorker(0, swarm.Config{
		MaxResponsePeers:        50,
		AnnounceInterval:        30 * time.Second,
		MaxPeerAge:              30 * time.Minute,
		TorrentCleaningInterval: time.Hour,
	}, accessList, 8)
	go worker.Run()
	defer worker.Stop()

	reply := make(chan swarm.AnnounceResult, 1)
	req := &bittorrent.AnnounceRequest{
		InfoHash: bittorrent.InfoHashFromBytes(make([]byte, 20)),
		Peer: bittorrent.Peer{
			ID:   bittorrent.PeerIDFromBytes(append([]byte{1}, make([]byte, 19)...)),
			IP:   []byte{127, 0, 0, 1},
			Port: 6881,
		},
		Event: bittorrent.Started,
	}
	if !worker.TrySendAnnounce(swarm.AnnounceJob{Request: req, Now: time.Now()}, reply) {
		t.Fatal("expected announce to be accepted")
	}
	<-reply

	var counters Counters
	counters.RequestsReceived.Add(1)
	counters.ResponsesSentAnnounce.Add(1)

	r := NewReporter(&counters, []*swarm.Worker{worker}, time.Second)
	r.reportOnce()

	if snap := counters.TakeAndReset(); snap.RequestsReceived != 0 {
		t.Fatalf("expected counters drained by reportOnce, got %+v", snap)
	}
}
