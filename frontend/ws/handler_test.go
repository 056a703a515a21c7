package ws_test

import (
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mochi-udp/tracker/accesslist"
	ws "github.com/mochi-udp/tracker/frontend/ws"
	"github.com/mochi-udp/tracker/swarm"
)

func startTestServer(t *testing.T) (*httptest.Server, *gorillaws.Conn) {
	t.Helper()

	accessList := accesslist.NewSwappable()
	workers := make([]*swarm.Worker, 2)
	for i := range workers {
		workers[i] = swarm.NewWorker(i, swarm.Config{
			MaxResponsePeers:        50,
			AnnounceInterval:        30 * time.Second,
			MaxPeerAge:              30 * time.Minute,
			TorrentCleaningInterval: time.Hour,
		}, accessList, 64)
		go workers[i].Run()
		t.Cleanup(workers[i].Stop)
	}

	srv := httptest.NewServer(ws.NewHandler(workers, nil))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, conn
}

func sendAndRead(t *testing.T, conn *gorillaws.Conn, msg ws.Message) ws.Message {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, payload))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respPayload, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp ws.Message
	require.NoError(t, json.Unmarshal(respPayload, &resp))
	return resp
}

func hexOf(b byte) string {
	buf := make([]byte, 20)
	buf[0] = b
	return hex.EncodeToString(buf)
}

func TestAnnounceOverWebSocket(t *testing.T) {
	_, conn := startTestServer(t)

	data, err := json.Marshal(ws.AnnounceMessage{
		InfoHash: hexOf(1),
		PeerID:   hexOf(2),
		Port:     6881,
		Event:    "started",
		Left:     0,
	})
	require.NoError(t, err)

	resp := sendAndRead(t, conn, ws.Message{Action: "announce", ID: "req-1", Data: data})
	require.Equal(t, "announce", resp.Action)
	require.Equal(t, "req-1", resp.ID)

	var body ws.AnnounceReply
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	require.Equal(t, 1, body.Complete)
}

func TestScrapeWithNoInfoHashesIsRefused(t *testing.T) {
	_, conn := startTestServer(t)

	data, err := json.Marshal(ws.ScrapeMessage{InfoHashes: nil})
	require.NoError(t, err)

	resp := sendAndRead(t, conn, ws.Message{Action: "scrape", ID: "req-2", Data: data})
	require.Equal(t, "error", resp.Action)

	var body ws.ErrorReply
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	require.Contains(t, body.Reason, "Full scrapes are not allowed")
}

func TestScrapeAfterAnnounceReportsSeeder(t *testing.T) {
	_, conn := startTestServer(t)

	announceData, err := json.Marshal(ws.AnnounceMessage{
		InfoHash: hexOf(3),
		PeerID:   hexOf(4),
		Port:     6881,
		Event:    "started",
		Left:     0,
	})
	require.NoError(t, err)
	sendAndRead(t, conn, ws.Message{Action: "announce", ID: "a", Data: announceData})

	scrapeData, err := json.Marshal(ws.ScrapeMessage{InfoHashes: []string{hexOf(3)}})
	require.NoError(t, err)
	resp := sendAndRead(t, conn, ws.Message{Action: "scrape", ID: "s", Data: scrapeData})
	require.Equal(t, "scrape", resp.Action)

	var body ws.ScrapeReply
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	require.Equal(t, uint32(1), body.Files[hexOf(3)].Complete)
}
