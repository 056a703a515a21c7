// Package wire implements the BEP 15 UDP tracker wire format: the
// connect/announce/scrape request and response encodings, generalized to
// emit and accept both IPv4 and IPv6 peers (the source tracker's codec in
// frontend/udp/parser.go and frontend/udp/writer.go is IPv4-only, matching
// the teacher's historical BEP 15 deployment; the "old opentracker" action
// 4 IPv6 variant it also parses is not used here because both address
// families share one action ID in this encoding).
package wire

import (
	"encoding/binary"
	"net"

	"github.com/mochi-udp/tracker/bittorrent"
)

// Action identifies the kind of a request or response packet.
type Action uint32

const (
	Connect Action = iota
	Announce
	Scrape
	Error
)

// MaxPacketSize is the largest UDP payload this codec will ever produce or
// accept, bounding both amplification and allocation from a hostile peer.
const MaxPacketSize = 8192

// InitialConnectionID is the magic connection ID BEP 15 mandates for a
// Connect request.
var InitialConnectionID = [8]byte{0, 0, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80}

var (
	ErrMalformedPacket  = bittorrent.ClientError("malformed packet")
	ErrMalformedIP      = bittorrent.ClientError("malformed IP address")
	ErrUnknownEvent     = bittorrent.ClientError("malformed event ID")
	ErrUnknownAction    = bittorrent.ClientError("unknown action ID")
	ErrBadConnectionID  = bittorrent.ClientError("bad connection ID")
)

// Header is the 16-byte preamble shared by every BEP 15 request packet.
type Header struct {
	ConnectionID [8]byte
	Action       Action
	TransactionID [4]byte
}

// ParseHeader reads the 16-byte header off the front of packet.
func ParseHeader(packet []byte) (Header, error) {
	if len(packet) < 16 {
		return Header{}, ErrMalformedPacket
	}
	var h Header
	copy(h.ConnectionID[:], packet[0:8])
	h.Action = Action(binary.BigEndian.Uint32(packet[8:12]))
	copy(h.TransactionID[:], packet[12:16])
	return h, nil
}

// ParseAnnounce decodes the announce-specific body of packet (which must
// start at byte 16, immediately after the header), taking the request's
// address family from the source address. Unlike the source tracker, this
// format never trusts a client-supplied IP address: the packet's 4-byte
// ip_address field is skipped and the announcing peer's IP is always taken
// from the UDP source address, since this layer has no separate
// "administrator trusts this proxy" configuration knob.
func ParseAnnounce(packet []byte, srcIP net.IP) (*bittorrent.AnnounceRequest, error) {
	// info_hash + peer_id + downloaded + left + uploaded + event + ip_address + key + num_want + port
	const fixedLen = 16 + 20 + 20 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 2
	if len(packet) < fixedLen {
		return nil, ErrMalformedPacket
	}

	body := packet[16:]
	infoHash := bittorrent.InfoHashFromBytes(body[0:20])
	peerID := bittorrent.PeerIDFromBytes(body[20:40])
	downloaded := binary.BigEndian.Uint64(body[40:48])
	left := binary.BigEndian.Uint64(body[48:56])
	uploaded := binary.BigEndian.Uint64(body[56:64])
	eventID := binary.BigEndian.Uint32(body[64:68])
	numWant := int32(binary.BigEndian.Uint32(body[76:80]))
	port := binary.BigEndian.Uint16(body[80:82])

	event, err := bittorrent.NewEvent(eventID)
	if err != nil {
		return nil, ErrUnknownEvent
	}

	af := bittorrent.IPv4
	if srcIP.To4() == nil {
		af = bittorrent.IPv6
	}

	return &bittorrent.AnnounceRequest{
		InfoHash:      infoHash,
		Event:         event,
		Downloaded:    downloaded,
		Left:          left,
		Uploaded:      uploaded,
		NumWant:       numWant,
		AddressFamily: af,
		Peer: bittorrent.Peer{
			ID:   peerID,
			IP:   srcIP,
			Port: port,
		},
	}, nil
}

// ParseScrape decodes the scrape-specific body of packet (starting at byte
// 16), which is a flat list of 20-byte info hashes.
func ParseScrape(packet []byte) (*bittorrent.ScrapeRequest, error) {
	body := packet[16:]
	if len(body)%20 != 0 {
		return nil, ErrMalformedPacket
	}

	hashes := make([]bittorrent.InfoHash, 0, len(body)/20)
	for len(body) >= 20 {
		hashes = append(hashes, bittorrent.InfoHashFromBytes(body[:20]))
		body = body[20:]
	}

	return &bittorrent.ScrapeRequest{InfoHashes: hashes}, nil
}

func writeHeader(buf []byte, action Action, txID [4]byte) []byte {
	buf = append(buf, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf[len(buf)-4:], uint32(action))
	return append(buf, txID[:]...)
}

// WriteConnect encodes a new-connection response.
func WriteConnect(txID [4]byte, connID []byte) []byte {
	buf := make([]byte, 0, 16+8)
	buf = writeHeader(buf, Connect, txID)
	return append(buf, connID...)
}

// WriteAnnounce encodes an announce response, choosing the IPv4 or IPv6
// peer list to serialize from resp based on af (the requester's address
// family, which decides which population it's eligible to learn about).
func WriteAnnounce(txID [4]byte, af bittorrent.AddressFamily, resp *bittorrent.AnnounceResponse) []byte {
	peers := resp.IPv4Peers
	ipLen := net.IPv4len
	if af == bittorrent.IPv6 {
		peers = resp.IPv6Peers
		ipLen = net.IPv6len
	}

	buf := make([]byte, 0, 16+12+len(peers)*(ipLen+2))
	buf = writeHeader(buf, Announce, txID)

	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], resp.Interval)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], resp.Leechers)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], resp.Seeders)
	buf = append(buf, tmp[:]...)

	for _, p := range peers {
		ip := p.IP.To4()
		if af == bittorrent.IPv6 {
			ip = p.IP.To16()
		}
		buf = append(buf, ip...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], p.Port)
		buf = append(buf, portBuf[:]...)
	}

	return buf
}

// WriteScrape encodes a scrape response.
func WriteScrape(txID [4]byte, resp *bittorrent.ScrapeResponse) []byte {
	buf := make([]byte, 0, 16+len(resp.Files)*12)
	buf = writeHeader(buf, Scrape, txID)

	var tmp [4]byte
	for _, f := range resp.Files {
		binary.BigEndian.PutUint32(tmp[:], f.Complete)
		buf = append(buf, tmp[:]...)
		binary.BigEndian.PutUint32(tmp[:], f.Downloaded)
		buf = append(buf, tmp[:]...)
		binary.BigEndian.PutUint32(tmp[:], f.Incomplete)
		buf = append(buf, tmp[:]...)
	}

	return buf
}

// WriteError encodes err as a BEP 15 error packet: the message is UTF-8
// with no NUL terminator, running to the end of the packet. Only
// bittorrent.ClientError messages are ever sent verbatim; anything else is
// replaced with a generic message so internal error detail never reaches
// the network.
func WriteError(txID [4]byte, err error) []byte {
	msg := "internal error"
	if ce, ok := err.(bittorrent.ClientError); ok {
		msg = string(ce)
	}

	buf := make([]byte, 0, 16+len(msg))
	buf = writeHeader(buf, Error, txID)
	buf = append(buf, msg...)
	return buf
}
