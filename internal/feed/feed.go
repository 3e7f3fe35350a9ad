// Package feed implements the resilient connection to the venue's real-time
// data socket.
//
// One Manager owns one long-lived WebSocket connection subscribed to a fixed
// set of (topic, type) streams. Inbound envelopes are decoded and dispatched
// to registered handlers in arrival order on a single reader goroutine, so a
// handler never sees duplicates or reordering for the same physical message.
//
// Failure handling is layered:
//
//   - Keepalive PINGs are written every PingInterval.
//   - If the primary topic goes silent for ResubscribeAfter while the socket
//     itself still delivers data, the subscription is re-issued (cheap
//     recovery; the venue occasionally drops a stream without dropping the
//     connection).
//   - If nothing at all arrives within ReconnectAfter, or the socket errors,
//     the connection is rebuilt with bounded backoff (base × attempt, capped)
//     and every subscription is re-issued.
//   - After MaxReconnects consecutive failures Run returns an error, leaving
//     escalation (process restart) to the caller.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-updown/internal/config"
	"polymarket-updown/pkg/types"
)

const writeTimeout = 10 * time.Second

// Handler consumes the payload of one inbound envelope. Handlers run on the
// reader goroutine and must not block indefinitely.
type Handler func(payload json.RawMessage)

type subKey struct {
	topic   string
	msgType string
}

// Manager maintains the WebSocket connection, its subscriptions, and the
// silence clocks that drive recovery.
type Manager struct {
	url     string
	cfg     config.FeedConfig
	primary subKey
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	handlersMu sync.RWMutex
	handlers   map[subKey][]Handler

	statMu      sync.Mutex
	lastAny     time.Time // last inbound message of any kind
	lastPrimary time.Time // last inbound message on the primary stream
	lastResub   time.Time // last cheap-recovery resubscribe

	stopMu  sync.Mutex
	stopped bool // set by Disconnect; suppresses reconnection
}

// NewManager creates a feed manager. primaryTopic/primaryType name the stream
// whose silence triggers cheap recovery before a full reconnect.
func NewManager(wsURL string, cfg config.FeedConfig, primaryTopic, primaryType string, logger *slog.Logger) *Manager {
	return &Manager{
		url:      wsURL,
		cfg:      cfg,
		primary:  subKey{topic: primaryTopic, msgType: primaryType},
		handlers: make(map[subKey][]Handler),
		logger:   logger.With("component", "feed"),
	}
}

// OnMessage registers a handler for every inbound envelope matching
// (topic, msgType). Registration must happen before Run; each registered pair
// is included in the subscribe message on every (re)connect.
func (m *Manager) OnMessage(topic, msgType string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	k := subKey{topic: topic, msgType: msgType}
	m.handlers[k] = append(m.handlers[k], h)
}

// Run connects and maintains the connection until ctx is cancelled or
// Disconnect is called. A non-nil return other than ctx.Err() means the
// reconnect budget is exhausted and the process should escalate.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0

	for {
		if m.isStopped() {
			return nil
		}

		delivered, err := m.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.isStopped() {
			return nil
		}

		// A connection that delivered traffic resets the failure budget.
		if delivered {
			attempt = 0
		}
		attempt++
		if attempt > m.cfg.MaxReconnects {
			return fmt.Errorf("feed: %d consecutive reconnects failed: %w", m.cfg.MaxReconnects, err)
		}

		wait := time.Duration(attempt) * m.cfg.ReconnectBase
		if wait > m.cfg.ReconnectMaxWait {
			wait = m.cfg.ReconnectMaxWait
		}

		m.logger.Warn("feed disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Disconnect tears down the connection and suppresses auto-reconnect.
func (m *Manager) Disconnect() error {
	m.stopMu.Lock()
	m.stopped = true
	m.stopMu.Unlock()

	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

func (m *Manager) isStopped() bool {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	return m.stopped
}

// connectAndRead dials, subscribes, and reads until failure. The bool result
// reports whether any message arrived on this connection.
func (m *Manager) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	// Replace any previous connection; connect is idempotent.
	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.conn = conn
	m.connMu.Unlock()

	defer func() {
		m.connMu.Lock()
		conn.Close()
		if m.conn == conn {
			m.conn = nil
		}
		m.connMu.Unlock()
	}()

	if err := m.sendSubscriptions(); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	now := time.Now()
	m.statMu.Lock()
	m.lastAny = now
	m.lastPrimary = now
	m.lastResub = time.Time{}
	m.statMu.Unlock()

	m.logger.Info("feed connected", "url", m.url)

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	go m.keepaliveLoop(watchCtx, conn)

	delivered := false
	for {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}

		// Total silence beyond ReconnectAfter surfaces as a read timeout.
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReconnectAfter))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return delivered, fmt.Errorf("read: %w", err)
		}

		delivered = true
		m.dispatch(msg)
	}
}

// keepaliveLoop writes PINGs and watches the primary-topic silence clock.
// Re-issuing the subscription is rate-limited to once per silence window so
// a dead stream does not turn into a subscribe storm.
func (m *Manager) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.writeMessage(websocket.PingMessage, nil); err != nil {
				m.logger.Warn("ping failed", "error", err)
				conn.Close()
				return
			}
			m.maybeResubscribe()
		}
	}
}

func (m *Manager) maybeResubscribe() {
	m.statMu.Lock()
	primarySilence := time.Since(m.lastPrimary)
	anySilence := time.Since(m.lastAny)
	sinceResub := time.Since(m.lastResub)
	m.statMu.Unlock()

	// The socket is still alive (recent traffic) but the primary stream is
	// quiet: re-issue the subscription before the read deadline forces a
	// full reconnect.
	if primarySilence < m.cfg.ResubscribeAfter || anySilence >= m.cfg.ResubscribeAfter {
		return
	}
	if sinceResub < m.cfg.ResubscribeAfter {
		return
	}

	m.statMu.Lock()
	m.lastResub = time.Now()
	m.statMu.Unlock()

	m.logger.Warn("primary stream silent, re-issuing subscription",
		"silence", primarySilence.Round(time.Second))
	if err := m.sendSubscriptions(); err != nil {
		m.logger.Error("resubscribe failed", "error", err)
	}
}

// sendSubscriptions issues the subscribe message covering every registered
// (topic, type) pair.
func (m *Manager) sendSubscriptions() error {
	m.handlersMu.RLock()
	subs := make([]types.WSSubscription, 0, len(m.handlers))
	for k := range m.handlers {
		subs = append(subs, types.WSSubscription{Topic: k.topic, Type: k.msgType})
	}
	m.handlersMu.RUnlock()

	if len(subs) == 0 {
		return fmt.Errorf("no subscriptions registered")
	}
	return m.writeJSON(types.WSSubscribeMsg{Action: "subscribe", Subscriptions: subs})
}

// dispatch decodes the envelope, updates silence clocks, and invokes the
// matching handlers in registration order.
func (m *Manager) dispatch(data []byte) {
	var env types.WSEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Debug("ignoring non-envelope message", "data", string(data))
		return
	}

	k := subKey{topic: env.Topic, msgType: env.Type}

	m.statMu.Lock()
	m.lastAny = time.Now()
	if k == m.primary {
		m.lastPrimary = m.lastAny
	}
	m.statMu.Unlock()

	m.handlersMu.RLock()
	handlers := m.handlers[k]
	m.handlersMu.RUnlock()

	if len(handlers) == 0 {
		m.logger.Debug("no handler for stream", "topic", env.Topic, "type", env.Type)
		return
	}
	for _, h := range handlers {
		h(env.Payload)
	}
}

func (m *Manager) writeJSON(v any) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.conn.WriteJSON(v)
}

func (m *Manager) writeMessage(msgType int, data []byte) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.conn.WriteMessage(msgType, data)
}
