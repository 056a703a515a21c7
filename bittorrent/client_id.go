package bittorrent

import "encoding/hex"

// ClientID represents the part of a PeerID that identifies a Peer's client
// software, used only for diagnostic logging (e.g. which client triggers
// a denied or malformed announce), never for access control decisions.
type ClientID [6]byte

// NewClientID parses a ClientID from a PeerID.
func NewClientID(pid PeerID) ClientID {
	var cid ClientID
	length := len(pid)
	if length >= 6 {
		if pid[0] == '-' {
			if length >= 7 {
				copy(cid[:], pid[1:7])
			}
		} else {
			copy(cid[:], pid[:6])
		}
	}

	return cid
}

func (c ClientID) String() string {
	return hex.EncodeToString(c[:])
}
