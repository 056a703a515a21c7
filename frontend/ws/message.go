package ws

import (
	"encoding/hex"
	"encoding/json"
)

// Message is the JSON envelope every client/server exchange over the
// WebSocket connection uses, grounded on the Message/MessageType pattern
// in internal/websocket/client.go's handleMessage dispatch (adapted from
// a generic command/heartbeat protocol to announce/scrape requests).
type Message struct {
	Action string          `json:"action"`
	ID     string          `json:"id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// AnnounceMessage is the "announce" action's Data payload.
type AnnounceMessage struct {
	InfoHash   string `json:"info_hash"`
	PeerID     string `json:"peer_id"`
	Port       uint16 `json:"port"`
	Uploaded   uint64 `json:"uploaded"`
	Downloaded uint64 `json:"downloaded"`
	Left       uint64 `json:"left"`
	Event      string `json:"event"`
	NumWant    int32  `json:"numwant"`
}

// ScrapeMessage is the "scrape" action's Data payload.
type ScrapeMessage struct {
	InfoHashes []string `json:"info_hashes"`
}

// AnnounceReply is the server's reply Data payload for an announce.
type AnnounceReply struct {
	Interval int32        `json:"interval"`
	Complete int          `json:"complete"`
	Incomplete int        `json:"incomplete"`
	Peers    []PeerReply  `json:"peers"`
}

// PeerReply is one peer in an AnnounceReply.
type PeerReply struct {
	PeerID string `json:"peer_id"`
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
}

// ScrapeReply is the server's reply Data payload for a scrape.
type ScrapeReply struct {
	Files map[string]ScrapeFileReply `json:"files"`
}

// ScrapeFileReply is one torrent's stats within a ScrapeReply.
type ScrapeFileReply struct {
	Complete   uint32 `json:"complete"`
	Downloaded uint32 `json:"downloaded"`
	Incomplete uint32 `json:"incomplete"`
}

// ErrorReply is the server's reply Data payload when an action fails.
type ErrorReply struct {
	Reason string `json:"reason"`
}

func decodeHex20(s string) ([20]byte, error) {
	var out [20]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, errInvalidHex
	}
	if len(b) != 20 {
		return out, errInvalidHex
	}
	copy(out[:], b)
	return out, nil
}
