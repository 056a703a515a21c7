// Package accesslist implements the opaque allow/deny oracle over info
// hashes referenced by the swarm worker and the cleaner. It is rebuilt
// out-of-band (e.g. from a file on disk) and swapped in atomically, so
// readers on the hot path never block and never see a torn intermediate
// state.
//
// Adapted from the allow/deny semantics of
// middleware/torrentapproval.Config, generalized from a per-middleware hook
// into the shared, atomically-swappable oracle spec.md's data model calls
// for.
package accesslist

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/mochi-udp/tracker/bittorrent"
)

// Mode selects how an AccessList's hash set is interpreted.
type Mode uint8

const (
	// Off allows every info hash; the list is not consulted.
	Off Mode = iota
	// Allow permits only info hashes present in the list.
	Allow
	// Deny permits every info hash except those present in the list.
	Deny
)

func (m Mode) String() string {
	switch m {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "off"
	}
}

// ParseMode parses a Mode from its config-file spelling.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "off":
		return Off, nil
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	default:
		return Off, fmt.Errorf("accesslist: unknown mode %q", s)
	}
}

// List is one immutable snapshot of the access list: a mode and the hash
// set it is evaluated against.
type List struct {
	mode   Mode
	hashes map[bittorrent.InfoHash]struct{}
}

// New builds an immutable List from a mode and a set of hex-encoded info
// hashes (as they'd appear in a config file or an exported torrent list).
func New(mode Mode, hexHashes []string) (*List, error) {
	hashes := make(map[bittorrent.InfoHash]struct{}, len(hexHashes))
	for _, s := range hexHashes {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("accesslist: invalid hash %q: %w", s, err)
		}
		if len(b) != 20 {
			return nil, fmt.Errorf("accesslist: hash %q is not 20 bytes", s)
		}
		hashes[bittorrent.InfoHashFromBytes(b)] = struct{}{}
	}

	return &List{mode: mode, hashes: hashes}, nil
}

// Allows reports whether ih may be announced or scraped under this list.
func (l *List) Allows(ih bittorrent.InfoHash) bool {
	if l == nil || l.mode == Off {
		return true
	}

	_, present := l.hashes[ih]
	if l.mode == Allow {
		return present
	}
	return !present
}

// Mode reports the list's mode.
func (l *List) Mode() Mode {
	if l == nil {
		return Off
	}
	return l.mode
}

// Swappable is an atomically-swappable pointer to the current List, shared
// process-wide. Swarm workers and the cleaner call Load on the hot path;
// an out-of-band reload goroutine calls Store after rebuilding from disk.
type Swappable struct {
	current atomic.Pointer[List]
}

// NewSwappable creates a Swappable defaulting to Mode Off (allow
// everything) until the first Store.
func NewSwappable() *Swappable {
	s := &Swappable{}
	s.Store(&List{mode: Off})
	return s
}

// Load returns the current List. Never blocks, never allocates.
func (s *Swappable) Load() *List {
	return s.current.Load()
}

// Store atomically replaces the current List.
func (s *Swappable) Store(l *List) {
	s.current.Store(l)
}

// Allows is a convenience that loads the current list and checks ih.
func (s *Swappable) Allows(ih bittorrent.InfoHash) bool {
	return s.Load().Allows(ih)
}
