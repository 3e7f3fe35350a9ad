package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-updown/internal/config"
	"polymarket-updown/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testFeedConfig() config.FeedConfig {
	return config.FeedConfig{
		PingInterval:     50 * time.Millisecond,
		ResubscribeAfter: 200 * time.Millisecond,
		ReconnectAfter:   time.Second,
		ReconnectBase:    10 * time.Millisecond,
		ReconnectMaxWait: 50 * time.Millisecond,
		MaxReconnects:    3,
	}
}

func TestDispatchRoutesByTopicAndType(t *testing.T) {
	t.Parallel()

	m := NewManager("ws://unused", testFeedConfig(), "activity", "trades", testLogger())

	var got json.RawMessage
	m.OnMessage("activity", "trades", func(p json.RawMessage) { got = p })

	var otherCalls int
	m.OnMessage("activity", "orders", func(json.RawMessage) { otherCalls++ })

	m.dispatch([]byte(`{"topic":"activity","type":"trades","payload":{"slug":"btc-updown-15m-1"}}`))
	if got == nil {
		t.Fatal("expected trades handler to fire")
	}
	if !strings.Contains(string(got), "btc-updown-15m-1") {
		t.Errorf("payload = %s", got)
	}
	if otherCalls != 0 {
		t.Errorf("orders handler fired %d times for a trades envelope", otherCalls)
	}

	// Unregistered stream and garbage are both ignored.
	m.dispatch([]byte(`{"topic":"comments","type":"new","payload":{}}`))
	m.dispatch([]byte(`not json`))
}

func TestDispatchUpdatesSilenceClocks(t *testing.T) {
	t.Parallel()

	m := NewManager("ws://unused", testFeedConfig(), "activity", "trades", testLogger())
	m.OnMessage("activity", "trades", func(json.RawMessage) {})
	m.OnMessage("activity", "orders", func(json.RawMessage) {})

	old := time.Now().Add(-time.Hour)
	m.statMu.Lock()
	m.lastAny = old
	m.lastPrimary = old
	m.statMu.Unlock()

	m.dispatch([]byte(`{"topic":"activity","type":"orders","payload":{}}`))

	m.statMu.Lock()
	anyAfter, primaryAfter := m.lastAny, m.lastPrimary
	m.statMu.Unlock()

	if !anyAfter.After(old) {
		t.Error("lastAny not advanced by non-primary traffic")
	}
	if primaryAfter.After(old) {
		t.Error("lastPrimary advanced by non-primary traffic")
	}

	m.dispatch([]byte(`{"topic":"activity","type":"trades","payload":{}}`))
	m.statMu.Lock()
	primaryAfter = m.lastPrimary
	m.statMu.Unlock()
	if !primaryAfter.After(old) {
		t.Error("lastPrimary not advanced by primary traffic")
	}
}

func TestMaybeResubscribeGating(t *testing.T) {
	t.Parallel()

	m := NewManager("ws://unused", testFeedConfig(), "activity", "trades", testLogger())
	m.OnMessage("activity", "trades", func(json.RawMessage) {})

	// Primary silent but the whole socket is silent too: that is a
	// reconnect case, not a resubscribe case.
	m.statMu.Lock()
	m.lastAny = time.Now().Add(-time.Hour)
	m.lastPrimary = time.Now().Add(-time.Hour)
	m.lastResub = time.Time{}
	m.statMu.Unlock()

	m.maybeResubscribe()
	m.statMu.Lock()
	resub := m.lastResub
	m.statMu.Unlock()
	if !resub.IsZero() {
		t.Error("resubscribed while the whole socket was silent")
	}

	// Primary silent while other traffic flows: resubscribe fires once,
	// then is rate-limited.
	m.statMu.Lock()
	m.lastAny = time.Now()
	m.lastPrimary = time.Now().Add(-time.Hour)
	m.statMu.Unlock()

	m.maybeResubscribe()
	m.statMu.Lock()
	first := m.lastResub
	m.statMu.Unlock()
	if first.IsZero() {
		t.Fatal("expected resubscribe attempt")
	}

	m.statMu.Lock()
	m.lastAny = time.Now()
	m.statMu.Unlock()
	m.maybeResubscribe()
	m.statMu.Lock()
	second := m.lastResub
	m.statMu.Unlock()
	if !second.Equal(first) {
		t.Error("resubscribe not rate-limited within the silence window")
	}
}

func TestRunSubscribesAndDelivers(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub types.WSSubscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Action != "subscribe" || len(sub.Subscriptions) != 1 {
			t.Errorf("subscribe message = %+v", sub)
		}

		conn.WriteJSON(types.WSEnvelope{
			Topic:   "activity",
			Type:    "trades",
			Payload: json.RawMessage(`{"slug":"eth-updown-15m-9","price":0.7}`),
		})

		// Hold the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := NewManager(wsURL, testFeedConfig(), "activity", "trades", testLogger())

	received := make(chan json.RawMessage, 1)
	m.OnMessage("activity", "trades", func(p json.RawMessage) {
		select {
		case received <- p:
		default:
		}
	})

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case p := <-received:
		if !strings.Contains(string(p), "eth-updown-15m-9") {
			t.Errorf("payload = %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	m.Disconnect()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after Disconnect", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Disconnect")
	}
}

func TestReconnectReissuesSubscriptionsOnce(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	var (
		mu         sync.Mutex
		subscribes []types.WSSubscribeMsg
	)
	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)

		var sub types.WSSubscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		mu.Lock()
		subscribes = append(subscribes, sub)
		mu.Unlock()

		// Drop the first connection right after the handshake to force a
		// reconnect; serve one message on the second.
		if n == 1 {
			return
		}
		conn.WriteJSON(types.WSEnvelope{
			Topic:   "activity",
			Type:    "trades",
			Payload: json.RawMessage(`{"slug":"btc-updown-15m-7"}`),
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := NewManager(wsURL, testFeedConfig(), "activity", "trades", testLogger())

	var delivered atomic.Int32
	m.OnMessage("activity", "trades", func(json.RawMessage) { delivered.Add(1) })
	m.OnMessage("activity", "orders", func(json.RawMessage) {})

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if delivered.Load() == 0 {
		t.Fatal("no message delivered after reconnect")
	}

	// Settle briefly: the single physical message must not be re-delivered.
	time.Sleep(100 * time.Millisecond)
	if got := delivered.Load(); got != 1 {
		t.Errorf("deliveries = %d, want exactly 1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(subscribes) != 2 {
		t.Fatalf("subscribe messages = %d, want one per connection", len(subscribes))
	}
	for i, sub := range subscribes {
		if sub.Action != "subscribe" || len(sub.Subscriptions) != 2 {
			t.Errorf("connection %d subscribe = %+v, want both registered streams", i+1, sub)
		}
		seen := map[string]int{}
		for _, s := range sub.Subscriptions {
			seen[s.Topic+"/"+s.Type]++
		}
		if seen["activity/trades"] != 1 || seen["activity/orders"] != 1 {
			t.Errorf("connection %d streams = %v, want each exactly once", i+1, seen)
		}
	}

	m.Disconnect()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Disconnect")
	}
}

func TestRunExhaustsReconnectBudget(t *testing.T) {
	t.Parallel()

	// A server that never upgrades makes every dial fail.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := testFeedConfig()
	cfg.MaxReconnects = 2
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := NewManager(wsURL, cfg, "activity", "trades", testLogger())
	m.OnMessage("activity", "trades", func(json.RawMessage) {})

	err := m.Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal error after exhausting reconnects")
	}
	if !strings.Contains(err.Error(), "consecutive reconnects") {
		t.Errorf("error = %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	var served atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		served.Store(true)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := NewManager(wsURL, testFeedConfig(), "activity", "trades", testLogger())
	m.OnMessage("activity", "trades", func(json.RawMessage) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !served.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	m.Disconnect()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
