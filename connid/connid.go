// Package connid issues and verifies the 64-bit connection identifiers UDP
// BitTorrent trackers hand out on Connect, per BEP 15. Their only purpose is
// to defeat source-address spoofing: without them, a UDP tracker is a
// trivial amplification vector.
package connid

import (
	"crypto/hmac"
	"encoding/binary"
	"hash"
	"time"

	"github.com/cespare/xxhash/v2"
	"inet.af/netaddr"
)

// TTL is the duration a connection ID remains valid for, per BEP 15.
const TTL = 2 * time.Minute

func hashfn() hash.Hash { return xxhash.New() }

// Generator creates and validates connection IDs.
//
// It is not safe for concurrent use by multiple goroutines, but it holds no
// shared state with any other Generator — each goroutine uses its own (the
// UDP front end draws one per in-flight packet from a per-socket-worker
// sync.Pool), so there is never contention on the hot path for a mutex
// shared across workers. The private key may be shared process-wide; only
// the scratch buffers below are per-generator.
type Generator struct {
	mac     hash.Hash
	connID  []byte
	scratch []byte
}

// NewGenerator creates a Generator keyed with secret. All Generators sharing
// a secret accept each other's connection IDs, so the secret (not the
// Generator) is what must be shared across socket workers — each goroutine
// still uses its own Generator to avoid touching shared state per request.
func NewGenerator(secret string) *Generator {
	return &Generator{
		mac:     hmac.New(hashfn, []byte(secret)),
		connID:  make([]byte, 8),
		scratch: make([]byte, 0, 32),
	}
}

func (g *Generator) reset() {
	g.mac.Reset()
	g.connID = g.connID[:8]
	g.scratch = g.scratch[:0]
}

// Generate issues a connection ID bound to ip and the current time. The
// first four bytes are a unix timestamp; the last four are a truncated
// keyed hash of that timestamp and ip, giving an off-path forgery
// probability of about 1 in 2^32.
//
// The returned slice aliases the Generator's internal buffer and is only
// valid until the next call to Generate or Validate.
func (g *Generator) Generate(ip netaddr.IP, now time.Time) []byte {
	g.reset()

	binary.BigEndian.PutUint32(g.connID, uint32(now.Unix()))
	g.mac.Write(g.connID[:4])

	ipBytes, _ := ip.MarshalBinary()
	g.mac.Write(ipBytes)

	g.scratch = g.mac.Sum(g.scratch)
	copy(g.connID[4:8], g.scratch[:4])

	return g.connID
}

// Validate reports whether connID was issued to ip, has not exceeded TTL,
// and is not timestamped further than maxClockSkew into the future.
func (g *Generator) Validate(connID []byte, ip netaddr.IP, now time.Time, maxClockSkew time.Duration) bool {
	if len(connID) != 8 {
		return false
	}

	issued := time.Unix(int64(binary.BigEndian.Uint32(connID[:4])), 0)
	if now.After(issued.Add(TTL)) || issued.After(now.Add(maxClockSkew)) {
		return false
	}

	g.reset()
	g.mac.Write(connID[:4])

	ipBytes, _ := ip.MarshalBinary()
	g.mac.Write(ipBytes)

	g.scratch = g.mac.Sum(g.scratch)
	return hmac.Equal(g.scratch[:4], connID[4:])
}

// Generate is a convenience wrapper that builds a throwaway Generator. Code
// issuing more than a handful of connection IDs should keep a pooled
// Generator instead, per the Generator type's doc comment.
func Generate(secret string, ip netaddr.IP, now time.Time) []byte {
	return NewGenerator(secret).Generate(ip, now)
}

// Validate is a convenience wrapper that builds a throwaway Generator.
func Validate(secret string, connID []byte, ip netaddr.IP, now time.Time, maxClockSkew time.Duration) bool {
	return NewGenerator(secret).Validate(connID, ip, now, maxClockSkew)
}
