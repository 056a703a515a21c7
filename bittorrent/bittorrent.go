// Package bittorrent defines the wire-independent vocabulary shared by every
// tracker front end: info hashes, peer identities, announce/scrape requests
// and responses, and the event a peer reports on announce.
package bittorrent

import (
	"errors"
	"net"
)

// PeerID is a 20-byte client-chosen identifier.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("bittorrent: peer ID must be 20 bytes")
	}

	var id PeerID
	copy(id[:], b)
	return id
}

// InfoHash is the 20-byte identifier of a torrent.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("bittorrent: info hash must be 20 bytes")
	}

	var ih InfoHash
	copy(ih[:], b)
	return ih
}

// Shard returns the index of the swarm worker that exclusively owns this
// info hash, given n swarm workers.
func (ih InfoHash) Shard(n int) int {
	return int(ih[0]) % n
}

// AddressFamily distinguishes the two disjoint peer populations a torrent
// keeps track of. They are never mixed: a peer negotiated over an IPv4
// socket is never returned to a peer that announced over IPv6, and vice
// versa.
type AddressFamily uint8

const (
	IPv4 AddressFamily = iota
	IPv6
)

func (af AddressFamily) String() string {
	if af == IPv6 {
		return "IPv6"
	}
	return "IPv4"
}

// Event is the action a peer reports on announce.
type Event uint8

const (
	// None is reported by a peer announcing because its interval elapsed.
	None Event = iota
	// Completed is reported once, when a peer finishes downloading.
	Completed
	// Started is reported when a peer joins a swarm.
	Started
	// Stopped is reported when a peer leaves a swarm.
	Stopped
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return "none"
	}
}

// ErrUnknownEvent is returned by NewEvent for a value BEP 15 never defined.
var ErrUnknownEvent = errors.New("bittorrent: unknown event")

// NewEvent maps a wire-level event ID (BEP 15 order: none, completed,
// started, stopped) to an Event.
func NewEvent(id uint32) (Event, error) {
	switch id {
	case 0:
		return None, nil
	case 1:
		return Completed, nil
	case 2:
		return Started, nil
	case 3:
		return Stopped, nil
	default:
		return None, ErrUnknownEvent
	}
}

// Peer is the connection information of a peer as returned in an announce
// response.
type Peer struct {
	ID   PeerID
	IP   net.IP
	Port uint16
}

// Equal reports whether p and x identify the same peer.
func (p Peer) Equal(x Peer) bool { return p.ID == x.ID }

// AnnounceRequest is the decoded form of an announce, independent of the
// wire protocol that carried it.
type AnnounceRequest struct {
	InfoHash   InfoHash
	Peer       Peer
	Event      Event
	Downloaded uint64
	Left       uint64
	Uploaded   uint64
	NumWant    int32
	AddressFamily
}

// AnnounceResponse is the data needed to build an announce reply, again
// independent of the wire protocol.
type AnnounceResponse struct {
	Interval  uint32
	Leechers  uint32
	Seeders   uint32
	IPv4Peers []Peer
	IPv6Peers []Peer
}

// ScrapeRequest is the decoded form of a scrape. InfoHashes preserves the
// client's original ordering: responses must echo stats positionally.
type ScrapeRequest struct {
	InfoHashes []InfoHash
}

// TorrentScrapeStatistics is the aggregate state of one swarm as reported by
// scrape.
type TorrentScrapeStatistics struct {
	Complete   uint32
	Downloaded uint32
	Incomplete uint32
}

// ScrapeResponse carries one TorrentScrapeStatistics per requested info
// hash, in the same order as the request's InfoHashes.
type ScrapeResponse struct {
	Files []TorrentScrapeStatistics
}

// ClientError is an error that is safe to echo back to the client over the
// wire. Any other error type is assumed to be an internal error and is
// never sent verbatim to a client.
type ClientError string

func (c ClientError) Error() string { return string(c) }
