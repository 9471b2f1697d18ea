package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	evIssued   EventType = "receipt.issued"
	evReturned EventType = "receipt.returned"
	evReleased EventType = "receipt.funds_released"

	seller = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	buyer  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestFilter(t *testing.T) {
	issued := &Event{Type: evIssued, Addresses: []string{seller, buyer}}
	released := &Event{Type: evReleased, Addresses: []string{seller}}

	tests := []struct {
		name     string
		sub      Subscription
		issued   bool
		released bool
	}{
		{"empty matches all", Subscription{}, true, true},
		{"by type", Subscription{EventTypes: []EventType{evIssued, evReturned}}, true, false},
		{"by buyer", Subscription{Addresses: []string{buyer}}, true, false},
		{"prefix required", Subscription{Addresses: []string{strings.TrimPrefix(seller, "0x")}}, false, false},
		{"by seller mixed case", Subscription{Addresses: []string{" 0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA "}}, true, true},
		{"type and address", Subscription{EventTypes: []EventType{evReleased}, Addresses: []string{buyer}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := compile(tt.sub)
			assert.Equal(t, tt.issued, f.matches(issued))
			assert.Equal(t, tt.released, f.matches(released))
		})
	}
}

func TestNewHub_Defaults(t *testing.T) {
	h := NewHub(Config{}, nil)
	assert.Equal(t, defaultMaxClients, h.cfg.MaxClients)
	assert.Equal(t, defaultSendBuffer, h.cfg.SendBuffer)
	assert.NotNil(t, h.logger)
}

func TestCheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	sameHost := NewHub(Config{}, slog.Default())
	assert.True(t, sameHost.checkOrigin(req("")))
	assert.True(t, sameHost.checkOrigin(req("https://api.example.com")))
	assert.False(t, sameHost.checkOrigin(req("https://evil.example.net")))

	listed := NewHub(Config{AllowedOrigins: []string{"https://shop.example.com"}}, slog.Default())
	assert.True(t, listed.checkOrigin(req("https://SHOP.example.com")))
	assert.False(t, listed.checkOrigin(req("https://evil.example.net")))

	open := NewHub(Config{AllowedOrigins: []string{"*"}}, slog.Default())
	assert.True(t, open.checkOrigin(req("https://evil.example.net")))
}

func TestPublish_QueueFullDropsEvent(t *testing.T) {
	h := NewHub(Config{SendBuffer: 1}, slog.Default())

	h.Publish(string(evIssued), []string{seller}, nil)
	h.Publish(string(evIssued), []string{seller}, nil)

	assert.Len(t, h.broadcast, 1)
	assert.EqualValues(t, 1, h.Stats().DroppedEvents)
}

func TestPublish_StampsEvent(t *testing.T) {
	h := NewHub(Config{}, slog.Default())

	h.Publish(string(evReturned), []string{"0xAbC"}, map[string]string{"k": "v"})
	h.Publish(string(evReleased), nil, nil)

	first := <-h.broadcast
	second := <-h.broadcast
	assert.Equal(t, evReturned, first.Type)
	assert.Equal(t, []string{"0xabc"}, first.Addresses)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, first.Seq+1, second.Seq)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := NewHub(Config{}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after cancel")
	}
}

// wsTest runs a hub behind an httptest server.
type wsTest struct {
	hub *Hub
	srv *httptest.Server
	url string
}

func newWSTest(t *testing.T, cfg Config) *wsTest {
	t.Helper()
	h := NewHub(cfg, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &wsTest{hub: h, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (w *wsTest) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (w *wsTest) waitClients(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.hub.Stats().ConnectedClients == n
	}, 2*time.Second, 10*time.Millisecond)
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, v))
}

func TestWebSocket_ReceivesPublishedEvent(t *testing.T) {
	w := newWSTest(t, Config{})
	conn := w.dial(t)
	w.waitClients(t, 1)

	w.hub.Publish(string(evIssued), []string{seller, buyer}, map[string]string{"transactionHash": "0x01"})

	var ev Event
	readJSON(t, conn, &ev)
	assert.Equal(t, evIssued, ev.Type)
	assert.EqualValues(t, 1, ev.Seq)
	assert.Equal(t, []string{seller, buyer}, ev.Addresses)

	stats := w.hub.Stats()
	assert.EqualValues(t, 1, stats.TotalClients)
	assert.EqualValues(t, 1, stats.PeakClients)
}

func TestWebSocket_SubscriptionAckAndFilter(t *testing.T) {
	w := newWSTest(t, Config{})
	conn := w.dial(t)
	w.waitClients(t, 1)

	require.NoError(t, conn.WriteJSON(Subscription{Addresses: []string{buyer}}))

	var ack struct {
		Type      EventType `json:"type"`
		Addresses []string  `json:"addresses"`
	}
	readJSON(t, conn, &ack)
	assert.Equal(t, EventType("subscribed"), ack.Type)
	assert.Equal(t, []string{buyer}, ack.Addresses)

	w.hub.Publish(string(evReleased), []string{seller}, nil)
	w.hub.Publish(string(evReturned), []string{seller, buyer}, nil)

	var ev Event
	readJSON(t, conn, &ev)
	assert.Equal(t, evReturned, ev.Type, "event for another address must be filtered out")
	assert.EqualValues(t, 2, ev.Seq)
}

func TestWebSocket_MalformedSubscriptionIgnored(t *testing.T) {
	w := newWSTest(t, Config{})
	conn := w.dial(t)
	w.waitClients(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	w.hub.Publish(string(evIssued), []string{seller}, nil)

	var ev Event
	readJSON(t, conn, &ev)
	assert.Equal(t, evIssued, ev.Type)
}

func TestWebSocket_MaxClients(t *testing.T) {
	w := newWSTest(t, Config{MaxClients: 1})
	w.dial(t)
	w.waitClients(t, 1)

	_, resp, err := websocket.DefaultDialer.Dial(w.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	w := newWSTest(t, Config{})
	conn := w.dial(t)
	w.waitClients(t, 1)

	require.NoError(t, conn.Close())
	w.waitClients(t, 0)
}

func TestWebSocket_ShutdownClosesClients(t *testing.T) {
	h := NewHub(Config{}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection should close when the hub stops")

	rec := httptest.NewRecorder()
	<-h.done
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
