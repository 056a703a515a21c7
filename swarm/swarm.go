// Package swarm implements the per-shard torrent map that is the heart of
// the tracker: peer lifecycle, peer selection for announce responses, and
// scrape aggregation.
//
// A Worker exclusively owns one shard of the global torrent population,
// selected by InfoHash.Shard. It is a single goroutine with no locking on
// its own state; the only synchronization with the rest of the process is
// the bounded channels it reads requests from and the shared, atomically
// swapped accesslist.Swappable it consults. This replaces the mutex-sharded
// map in storage/memory/peer_store.go with the message-passing shard
// design spec.md's Design Notes call for.
package swarm

import (
	"math/rand"
	"net"
	"time"

	orderedmap "github.com/elliotchance/orderedmap/v2"

	"github.com/mochi-udp/tracker/bittorrent"
)

// Status is a peer's reported state, derived from its announce event and
// bytes remaining. Stopped peers are never stored: a Stopped announce
// removes the peer instead of recording the status, which is this
// project's resolution of the ambiguity spec.md's Design Notes flag in the
// source tracker (and which sidesteps the counter-underflow hazard the
// source exhibits when a Stopped peer later expires).
type Status uint8

const (
	Seeding Status = iota
	Leeching
)

// StatusFromEventAndLeft derives a peer's status from its announce event
// and bytes left, per spec.md §4.3 step 2. ok is false when the peer
// reported Stopped, meaning the caller must remove the peer rather than
// store a status for it.
func StatusFromEventAndLeft(event bittorrent.Event, left uint64) (status Status, ok bool) {
	if event == bittorrent.Stopped {
		return 0, false
	}
	if left == 0 {
		return Seeding, true
	}
	return Leeching, true
}

// Peer is one entry in a torrent's peer map.
type Peer struct {
	IP         net.IP
	Port       uint16
	Status     Status
	ValidUntil time.Time
}

func (p *Peer) expired(now time.Time) bool {
	return !p.ValidUntil.After(now)
}

// PeerMap is an insertion-order-preserving map, the representation
// invariant 6 of spec.md §3 requires so that peer selection (§4.2) can
// sample a deterministic window cheaply. Plain Go maps make no ordering
// guarantee, so this uses the order-preserving map already present in the
// dependency graph pulled in by the teacher repository's own go.mod.
type PeerMap = orderedmap.OrderedMap[bittorrent.PeerID, *Peer]

// TorrentData is the state the tracker keeps for one info hash within one
// address family.
type TorrentData struct {
	Peers       *PeerMap
	NumSeeders  int
	NumLeechers int
}

func newTorrentData() *TorrentData {
	return &TorrentData{Peers: orderedmap.NewOrderedMap[bittorrent.PeerID, *Peer]()}
}

// TorrentMap maps info hashes owned by one shard to their torrent data.
type TorrentMap = orderedmap.OrderedMap[bittorrent.InfoHash, *TorrentData]

func newTorrentMap() *TorrentMap {
	return orderedmap.NewOrderedMap[bittorrent.InfoHash, *TorrentData]()
}

// shard holds the two disjoint torrent populations one Worker owns: IPv4
// swarms never mix with IPv6 swarms, per spec.md's Design Notes (a sum type
// would cost an extra discriminant per peer for no benefit since the two
// populations are never compared to each other).
type shard struct {
	v4 *TorrentMap
	v6 *TorrentMap
}

func newShard() *shard {
	return &shard{v4: newTorrentMap(), v6: newTorrentMap()}
}

func (s *shard) torrents(af bittorrent.AddressFamily) *TorrentMap {
	if af == bittorrent.IPv6 {
		return s.v6
	}
	return s.v4
}

// selectPeers implements spec.md §4.3 step 5: draw a random offset into the
// peer map's insertion order and return up to max peers starting there,
// wrapping once, never including requester, preferring leechers when the
// requester is seeding.
func selectPeers(peers *PeerMap, requester bittorrent.PeerID, requesterSeeding bool, max int) []*Peer {
	n := peers.Len()
	if n == 0 || max <= 0 {
		return nil
	}

	keys := peers.Keys()
	offset := 0
	if n > 1 {
		offset = rand.Intn(n)
	}

	collect := func(wantLeechersOnly bool, skip map[bittorrent.PeerID]struct{}) []*Peer {
		out := make([]*Peer, 0, max)
		for i := 0; i < n && len(out) < max; i++ {
			id := keys[(offset+i)%n]
			if id == requester {
				continue
			}
			if _, dup := skip[id]; dup {
				continue
			}
			p, ok := peers.Get(id)
			if !ok {
				continue
			}
			if wantLeechersOnly && p.Status != Leeching {
				continue
			}
			out = append(out, p)
			if skip != nil {
				skip[id] = struct{}{}
			}
		}
		return out
	}

	if requesterSeeding {
		seen := make(map[bittorrent.PeerID]struct{}, max)
		out := collect(true, seen)
		if len(out) < max {
			// Not enough leechers: top up with any remaining peers
			// (including other seeders) to fill the request.
			out = append(out, collect(false, seen)...)
		}
		return out
	}

	return collect(false, nil)
}
