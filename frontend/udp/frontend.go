// Package udp implements the UDP BitTorrent tracker front end described by
// BEP 15: N socket workers decoding/encoding packets and routing each
// request to the swarm worker that owns its info hash.
package udp

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"inet.af/netaddr"

	"github.com/mochi-udp/tracker/accesslist"
	"github.com/mochi-udp/tracker/bittorrent"
	"github.com/mochi-udp/tracker/connid"
	"github.com/mochi-udp/tracker/frontend/udp/bytepool"
	"github.com/mochi-udp/tracker/scrape"
	"github.com/mochi-udp/tracker/stats"
	"github.com/mochi-udp/tracker/swarm"
	"github.com/mochi-udp/tracker/wire"
)

// Config represents all of the configurable options for a UDP BitTorrent
// tracker front end.
type Config struct {
	Addr          string        `yaml:"addr"`
	PrivateKey    string        `yaml:"private_key"`
	MaxClockSkew  time.Duration `yaml:"max_clock_skew"`
	SocketWorkers int           `yaml:"socket_workers"`
	ScrapeSlabTTL time.Duration `yaml:"scrape_slab_ttl"`
}

const (
	defaultSocketWorkers = 4
	defaultScrapeSlabTTL = 10 * time.Second
)

// Validate sanity-checks a Config, substituting and warning about defaults
// for anything unreasonable, following the same Validate() Config
// convention the teacher's frontend/udp.Config uses.
func (cfg Config) Validate() Config {
	valid := cfg

	if valid.PrivateKey == "" {
		log.Warn().Msg("udp: no private_key configured, connection IDs will not survive a restart")
	}
	if valid.SocketWorkers <= 0 {
		log.Warn().Int("provided", cfg.SocketWorkers).Int("default", defaultSocketWorkers).
			Msg("udp: falling back to default SocketWorkers")
		valid.SocketWorkers = defaultSocketWorkers
	}
	if valid.ScrapeSlabTTL <= 0 {
		log.Warn().Dur("provided", cfg.ScrapeSlabTTL).Dur("default", defaultScrapeSlabTTL).
			Msg("udp: falling back to default ScrapeSlabTTL")
		valid.ScrapeSlabTTL = defaultScrapeSlabTTL
	}

	return valid
}

// Frontend owns the set of socket workers and the swarm workers they route
// to. Its swarm workers are shared with any other front end in the same
// process (e.g. frontend/ws), since they are the sole owners of tracker
// state.
type Frontend struct {
	cfg     Config
	workers []*socketWorker
	closing chan struct{}
}

// NewFrontend starts cfg.SocketWorkers socket worker goroutines, each
// routing decoded requests to swarmWorkers by InfoHash.Shard. counters may
// be nil, in which case request/byte counting is skipped.
func NewFrontend(cfg Config, swarmWorkers []*swarm.Worker, accessList *accesslist.Swappable, counters *stats.Counters) (*Frontend, error) {
	valid := cfg.Validate()

	f := &Frontend{cfg: valid, closing: make(chan struct{})}

	conns := make([]*net.UDPConn, valid.SocketWorkers)
	udpAddr, err := net.ResolveUDPAddr("udp", valid.Addr)
	if err != nil {
		return nil, err
	}

	for i := range conns {
		conn, err := listenReusable(udpAddr)
		if err != nil {
			// The platform (or kernel) doesn't support multiple listeners
			// on one address; fall back to a single shared socket read by
			// every worker, same as the teacher's single-socket design.
			if i == 0 {
				conn, err = net.ListenUDP("udp", udpAddr)
				if err != nil {
					return nil, err
				}
			} else {
				conns[i] = conns[0]
				continue
			}
		}
		conns[i] = conn
	}

	// accessList itself is consulted inside the swarm workers, not here;
	// NewFrontend only takes it so callers can't wire a front end up to
	// swarm workers without one.
	for i, conn := range conns {
		w := &socketWorker{
			index:    i,
			conn:     conn,
			genPool:  &sync.Pool{New: func() interface{} { return connid.NewGenerator(valid.PrivateKey) }},
			maxSkew:  valid.MaxClockSkew,
			swarms:   swarmWorkers,
			gatherer: scrape.NewGatherer(),
			resultCh: make(chan swarm.ScrapeResult, 256),
			slabTTL:  valid.ScrapeSlabTTL,
			counters: counters,
			done:     f.closing,
		}
		f.workers = append(f.workers, w)
		go w.run()
		go w.sweepLoop()
		go w.collectLoop()
	}

	return f, nil
}

// LocalAddr returns the address the first socket worker is bound to, handy
// for tests that bind to ":0" and need to discover the chosen port.
func (f *Frontend) LocalAddr() *net.UDPAddr {
	return f.workers[0].conn.LocalAddr().(*net.UDPAddr)
}

// Stop closes every socket worker's connection and asks its goroutines to
// return. Workers sharing a single fallback socket only close it once.
func (f *Frontend) Stop() {
	close(f.closing)
	seen := make(map[*net.UDPConn]bool)
	for _, w := range f.workers {
		if !seen[w.conn] {
			seen[w.conn] = true
			_ = w.conn.Close()
		}
	}
}

// socketWorker owns one UDP socket (or shares the process's single
// fallback socket), decoding requests, routing them to swarm workers by
// info hash shard, and encoding replies.
type socketWorker struct {
	index int
	conn  *net.UDPConn
	// genPool holds *connid.Generator, one per in-flight handlePacket
	// goroutine: a Generator mutates its own scratch buffers and is not
	// safe for concurrent use, but every Generator drawn from this pool
	// is keyed with the same private key, so any of them accepts a
	// connection ID any other issued.
	genPool  *sync.Pool
	maxSkew  time.Duration
	swarms   []*swarm.Worker
	gatherer *scrape.Gatherer
	resultCh chan swarm.ScrapeResult
	slabTTL  time.Duration
	counters *stats.Counters
	done     chan struct{}
}

func (w *socketWorker) countReceived(n int) {
	if w.counters == nil {
		return
	}
	w.counters.RequestsReceived.Add(1)
	w.counters.BytesReceived.Add(uint64(n))
}

func (w *socketWorker) run() {
	pool := bytepool.New(wire.MaxPacketSize)

	for {
		select {
		case <-w.done:
			return
		default:
		}

		buf := pool.Get()
		n, addr, err := w.conn.ReadFromUDP(*buf)
		if err != nil {
			pool.Put(buf)
			select {
			case <-w.done:
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
				continue
			}
			log.Error().Err(err).Int("worker", w.index).Msg("udp: read error, socket worker exiting")
			return
		}

		packet := append([]byte(nil), (*buf)[:n]...)
		pool.Put(buf)

		go w.handlePacket(packet, addr)
	}
}

// collectLoop feeds every shard reply arriving on resultCh into the
// gatherer, regardless of which in-flight scrape request it belongs to;
// the gatherer itself demultiplexes by SlabKey.
func (w *socketWorker) collectLoop() {
	for {
		select {
		case <-w.done:
			return
		case result := <-w.resultCh:
			w.gatherer.Collect(result)
		}
	}
}

func (w *socketWorker) sweepLoop() {
	ticker := time.NewTicker(w.slabTTL)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			if n := w.gatherer.SweepExpired(now, w.slabTTL); n > 0 {
				log.Warn().Int("worker", w.index).Int("reclaimed", n).
					Msg("udp: swept expired pending scrape slab entries")
			}
		}
	}
}

func (w *socketWorker) handlePacket(packet []byte, addr *net.UDPAddr) {
	if len(packet) < 16 {
		return
	}
	w.countReceived(len(packet))

	hdr, err := wire.ParseHeader(packet)
	if err != nil {
		return
	}

	now := time.Now()

	// Each concurrent handlePacket goroutine borrows its own Generator:
	// a Generator mutates private scratch state on every
	// Generate/Validate call and is not safe to share across goroutines.
	connGen := w.genPool.Get().(*connid.Generator)
	defer w.genPool.Put(connGen)

	if hdr.Action != wire.Connect {
		// An invalid or expired connection ID is dropped silently, never
		// answered with an Error packet: replying would let an off-path
		// spoofer use this tracker as a UDP amplification reflector by
		// sending a forged-source packet with a garbage connection ID.
		if !connGen.Validate(hdr.ConnectionID[:], mustCanonicalIP(addr.IP), now, w.maxSkew) {
			return
		}
	}

	switch hdr.Action {
	case wire.Connect:
		if hdr.ConnectionID != wire.InitialConnectionID {
			return
		}
		connID := connGen.Generate(mustCanonicalIP(addr.IP), now)
		w.countResponse(wire.Connect)
		w.reply(addr, wire.WriteConnect(hdr.TransactionID, connID))

	case wire.Announce:
		req, err := wire.ParseAnnounce(packet, addr.IP)
		if err != nil {
			w.countResponse(wire.Error)
			w.reply(addr, wire.WriteError(hdr.TransactionID, err))
			return
		}

		shardIdx := req.InfoHash.Shard(len(w.swarms))
		reply := make(chan swarm.AnnounceResult, 1)
		if !w.swarms[shardIdx].TrySendAnnounce(swarm.AnnounceJob{Request: req, Now: now}, reply) {
			// Dropped: the owning swarm worker's inbound channel is full.
			// No response is sent; the client will retry.
			return
		}
		result := <-reply
		if result.Err != nil {
			w.countResponse(wire.Error)
			w.reply(addr, wire.WriteError(hdr.TransactionID, result.Err))
			return
		}
		w.countResponse(wire.Announce)
		w.reply(addr, wire.WriteAnnounce(hdr.TransactionID, req.AddressFamily, result.Response))

	case wire.Scrape:
		req, err := wire.ParseScrape(packet)
		if err != nil {
			w.countResponse(wire.Error)
			w.reply(addr, wire.WriteError(hdr.TransactionID, err))
			return
		}

		done := w.gatherer.Scatter(req, len(w.swarms), func(shard int) scrape.Sender {
			return w.swarms[shard]
		}, w.resultCh, now)

		select {
		case resp := <-done:
			w.countResponse(wire.Scrape)
			w.reply(addr, wire.WriteScrape(hdr.TransactionID, &bittorrent.ScrapeResponse{Files: resp.Stats}))
		case <-time.After(w.slabTTL):
			// The sweeper will eventually reclaim the slab entry; this
			// request simply times out from the client's perspective.
		}

	default:
		w.countResponse(wire.Error)
		w.reply(addr, wire.WriteError(hdr.TransactionID, wire.ErrUnknownAction))
	}
}

func (w *socketWorker) reply(addr *net.UDPAddr, payload []byte) {
	_, _ = w.conn.WriteToUDP(payload, addr)
	if w.counters != nil {
		w.counters.BytesSent.Add(uint64(len(payload)))
	}
}

func (w *socketWorker) countResponse(action wire.Action) {
	if w.counters == nil {
		return
	}
	switch action {
	case wire.Connect:
		w.counters.ResponsesSentConnect.Add(1)
	case wire.Announce:
		w.counters.ResponsesSentAnnounce.Add(1)
	case wire.Scrape:
		w.counters.ResponsesSentScrape.Add(1)
	case wire.Error:
		w.counters.ResponsesSentError.Add(1)
	}
}

// mustCanonicalIP converts a net.IP straight off a UDP packet into the
// canonical netaddr.IP connid compares against, with the port intentionally
// dropped: two requests from the same host on different ephemeral ports
// share one connection ID, same as the teacher's connection_id.go.
func mustCanonicalIP(ip net.IP) netaddr.IP {
	addr, ok := netaddr.FromStdIP(ip)
	if !ok {
		return netaddr.IPv4(0, 0, 0, 0)
	}
	return addr
}

// listenReusable attempts to bind another independent listener to addr,
// relying on the platform's SO_REUSEPORT-equivalent port sharing. Plain
// net.ListenUDP on most platforms returns "address already in use" for a
// second bind to the same address, which signals the caller to fall back
// to a single shared socket.
func listenReusable(addr *net.UDPAddr) (*net.UDPConn, error) {
	return net.ListenUDP("udp", addr)
}
