// Package ws implements a WebSocket BitTorrent tracker front end alongside
// the UDP one, sharing the same swarm workers. Grounded on the
// Handler/Client upgrade-and-pump pattern of
// internal/websocket/{handler,client}.go, adapted from that JSON
// command/heartbeat protocol to announce/scrape requests.
package ws

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mochi-udp/tracker/bittorrent"
	"github.com/mochi-udp/tracker/scrape"
	"github.com/mochi-udp/tracker/stats"
	"github.com/mochi-udp/tracker/swarm"
)

var errInvalidHex = errors.New("ws: malformed hex field")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	scrapeSlabTTL  = 10 * time.Second
	maxScrapeHashes = 74
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP requests to WebSocket connections, each
// backed by its own connection struct routing to the shared swarm workers.
type Handler struct {
	swarms   []*swarm.Worker
	counters *stats.Counters
}

// NewHandler creates a Handler routing to swarmWorkers, the same worker
// pool the UDP front end uses. counters may be nil to skip request/byte
// counting.
func NewHandler(swarmWorkers []*swarm.Worker, counters *stats.Counters) *Handler {
	return &Handler{swarms: swarmWorkers, counters: counters}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws: upgrade failed")
		return
	}

	c := &connection{
		id:       uuid.New(),
		conn:     conn,
		swarms:   h.swarms,
		counters: h.counters,
		gatherer: scrape.NewGatherer(),
		resultCh: make(chan swarm.ScrapeResult, 64),
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
	}

	go c.writePump()
	go c.collectLoop()
	go c.sweepLoop()
	c.readPump()
}

// connection is one client's WebSocket session. Unlike the UDP front end's
// socketWorker (one per listening socket), a connection is created and torn
// down per client, since a WebSocket has no connectionless request
// boundary to multiplex across.
type connection struct {
	id       uuid.UUID
	conn     *websocket.Conn
	swarms   []*swarm.Worker
	counters *stats.Counters
	gatherer *scrape.Gatherer
	resultCh chan swarm.ScrapeResult
	send     chan []byte
	done     chan struct{}
	closeOnce bool
}

func (c *connection) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("conn", c.id.String()).Msg("ws: read error")
			}
			return
		}
		c.handleMessage(payload)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) collectLoop() {
	for {
		select {
		case <-c.done:
			return
		case result := <-c.resultCh:
			c.gatherer.Collect(result)
		}
	}
}

func (c *connection) sweepLoop() {
	ticker := time.NewTicker(scrapeSlabTTL)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.gatherer.SweepExpired(now, scrapeSlabTTL)
		}
	}
}

func (c *connection) close() {
	if c.closeOnce {
		return
	}
	c.closeOnce = true
	close(c.done)
	_ = c.conn.Close()
}

func (c *connection) handleMessage(payload []byte) {
	if c.counters != nil {
		c.counters.RequestsReceived.Add(1)
		c.counters.BytesReceived.Add(uint64(len(payload)))
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.reply("", ErrorReply{Reason: "malformed message"})
		return
	}

	switch msg.Action {
	case "announce":
		c.handleAnnounce(msg)
	case "scrape":
		c.handleScrape(msg)
	default:
		c.reply(msg.ID, ErrorReply{Reason: "unknown action"})
	}
}

func (c *connection) handleAnnounce(msg Message) {
	var body AnnounceMessage
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		c.reply(msg.ID, ErrorReply{Reason: "malformed announce"})
		return
	}

	infoHashBytes, err := decodeHex20(body.InfoHash)
	if err != nil {
		c.reply(msg.ID, ErrorReply{Reason: "malformed info_hash"})
		return
	}
	peerIDBytes, err := decodeHex20(body.PeerID)
	if err != nil {
		c.reply(msg.ID, ErrorReply{Reason: "malformed peer_id"})
		return
	}

	event, ok := parseEvent(body.Event)
	if !ok {
		c.reply(msg.ID, ErrorReply{Reason: "unknown event"})
		return
	}

	ip, _ := remoteIP(c.conn)
	req := &bittorrent.AnnounceRequest{
		InfoHash: bittorrent.InfoHashFromBytes(infoHashBytes[:]),
		Peer: bittorrent.Peer{
			ID:   bittorrent.PeerIDFromBytes(peerIDBytes[:]),
			IP:   ip,
			Port: body.Port,
		},
		Event:         event,
		Downloaded:    body.Downloaded,
		Left:          body.Left,
		Uploaded:      body.Uploaded,
		NumWant:       body.NumWant,
		AddressFamily: addressFamilyOf(ip),
	}

	shardIdx := req.InfoHash.Shard(len(c.swarms))
	reply := make(chan swarm.AnnounceResult, 1)
	if !c.swarms[shardIdx].TrySendAnnounce(swarm.AnnounceJob{Request: req, Now: time.Now()}, reply) {
		c.reply(msg.ID, ErrorReply{Reason: "tracker busy"})
		return
	}

	result := <-reply
	if result.Err != nil {
		c.reply(msg.ID, ErrorReply{Reason: result.Err.Error()})
		return
	}

	peers := result.Response.IPv4Peers
	if req.AddressFamily == bittorrent.IPv6 {
		peers = result.Response.IPv6Peers
	}
	peerReplies := make([]PeerReply, len(peers))
	for i, p := range peers {
		peerReplies[i] = PeerReply{PeerID: "", IP: p.IP.String(), Port: p.Port}
	}

	c.reply(msg.ID, AnnounceReply{
		Interval:   int32(result.Response.Interval),
		Complete:   int(result.Response.Seeders),
		Incomplete: int(result.Response.Leechers),
		Peers:      peerReplies,
	})
}

// handleScrape implements a bare scrape request (no info hashes) as a
// refusal that never touches a swarm worker: there is nothing meaningful
// to scatter, and silently returning an empty reply would look identical
// to "every listed torrent has zero peers" to a client.
func (c *connection) handleScrape(msg Message) {
	var body ScrapeMessage
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		c.reply(msg.ID, ErrorReply{Reason: "malformed scrape"})
		return
	}

	if len(body.InfoHashes) == 0 {
		c.reply(msg.ID, ErrorReply{Reason: "Full scrapes are not allowed"})
		return
	}
	if len(body.InfoHashes) > maxScrapeHashes {
		c.reply(msg.ID, ErrorReply{Reason: "too many info_hashes"})
		return
	}

	hashes := make([]bittorrent.InfoHash, len(body.InfoHashes))
	for i, s := range body.InfoHashes {
		b, err := decodeHex20(s)
		if err != nil {
			c.reply(msg.ID, ErrorReply{Reason: "malformed info_hash"})
			return
		}
		hashes[i] = bittorrent.InfoHashFromBytes(b[:])
	}

	req := &bittorrent.ScrapeRequest{InfoHashes: hashes}
	done := c.gatherer.Scatter(req, len(c.swarms), func(shard int) scrape.Sender {
		return c.swarms[shard]
	}, c.resultCh, time.Now())

	select {
	case resp := <-done:
		files := make(map[string]ScrapeFileReply, len(body.InfoHashes))
		for i, s := range body.InfoHashes {
			files[s] = ScrapeFileReply{
				Complete:   resp.Stats[i].Complete,
				Downloaded: resp.Stats[i].Downloaded,
				Incomplete: resp.Stats[i].Incomplete,
			}
		}
		c.reply(msg.ID, ScrapeReply{Files: files})
	case <-time.After(scrapeSlabTTL):
		c.reply(msg.ID, ErrorReply{Reason: "scrape timed out"})
	}
}

func (c *connection) reply(id string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}

	action := "error"
	switch data.(type) {
	case AnnounceReply:
		action = "announce"
	case ScrapeReply:
		action = "scrape"
	}

	msg, err := json.Marshal(Message{Action: action, ID: id, Data: payload})
	if err != nil {
		return
	}

	if c.counters != nil {
		switch data.(type) {
		case AnnounceReply:
			c.counters.ResponsesSentAnnounce.Add(1)
		case ScrapeReply:
			c.counters.ResponsesSentScrape.Add(1)
		case ErrorReply:
			c.counters.ResponsesSentError.Add(1)
		}
		c.counters.BytesSent.Add(uint64(len(msg)))
	}

	select {
	case c.send <- msg:
	default:
		log.Warn().Str("conn", c.id.String()).Msg("ws: send buffer full, dropping reply")
	}
}

func parseEvent(s string) (bittorrent.Event, bool) {
	switch s {
	case "", "none":
		return bittorrent.None, true
	case "started":
		return bittorrent.Started, true
	case "stopped":
		return bittorrent.Stopped, true
	case "completed":
		return bittorrent.Completed, true
	default:
		return bittorrent.None, false
	}
}

func remoteIP(conn *websocket.Conn) (net.IP, error) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errInvalidHex
	}
	return ip, nil
}

func addressFamilyOf(ip net.IP) bittorrent.AddressFamily {
	if ip.To4() != nil {
		return bittorrent.IPv4
	}
	return bittorrent.IPv6
}
