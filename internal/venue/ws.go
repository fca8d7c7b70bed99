package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tidemark/internal/observability"
)

const (
	wsMaxReconnectInterval = 20 * time.Second
	wsWriteTimeout         = 5 * time.Second
	wsReadLimit            = 2 * 1024 * 1024
	wsConnectTimeout       = 10 * time.Second
)

// Subscription identifies one websocket topic.
type Subscription struct {
	Channel string `json:"channel"`
	ID      string `json:"id,omitempty"`
}

func (s Subscription) key() string {
	return strings.ToLower(strings.TrimSpace(s.Channel)) + "|" + strings.TrimSpace(s.ID)
}

type wsControlRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	ID      string `json:"id,omitempty"`
}

// RawHandler consumes raw websocket payloads; classification happens in
// the execution client's dispatcher.
type RawHandler func(raw []byte)

// WSManager owns one websocket connection to a venue: it dials with
// exponential backoff, tracks a de-duplicated subscription set, and
// resubscribes every tracked topic after a reconnect.
type WSManager struct {
	baseURL string
	ctx     context.Context
	cancel  context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	subsMu        sync.Mutex
	subscriptions map[string]Subscription

	handler RawHandler

	ready     chan struct{}
	readyOnce sync.Once
}

// NewWSManager constructs a websocket manager for the venue stream URL.
func NewWSManager(ctx context.Context, baseURL string, handler RawHandler) *WSManager {
	managerCtx, cancel := context.WithCancel(ctx)
	return &WSManager{
		baseURL:       baseURL,
		ctx:           managerCtx,
		cancel:        cancel,
		subscriptions: make(map[string]Subscription),
		handler:       handler,
		ready:         make(chan struct{}),
	}
}

// Start dials the venue and blocks until the first connection is
// established or the connect timeout elapses.
func (m *WSManager) Start() error {
	go func() {
		if err := m.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("websocket manager stopped",
				observability.F("url", m.baseURL),
				observability.F("error", err),
			)
		}
	}()

	select {
	case <-m.ready:
		return nil
	case <-time.After(wsConnectTimeout):
		return errors.New("timeout waiting for websocket connection")
	case <-m.ctx.Done():
		return fmt.Errorf("websocket context done: %w", m.ctx.Err())
	}
}

// Stop closes the connection and halts the reconnect loop.
func (m *WSManager) Stop() {
	m.cancel()
	m.connMu.Lock()
	if m.conn != nil {
		_ = m.conn.Close(websocket.StatusNormalClosure, "shutdown")
		m.conn = nil
	}
	m.connMu.Unlock()
}

// Subscribe registers the topics and sends subscribe requests for those
// not already tracked.
func (m *WSManager) Subscribe(subs ...Subscription) error {
	m.subsMu.Lock()
	added := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		key := sub.key()
		if _, exists := m.subscriptions[key]; !exists {
			m.subscriptions[key] = sub
			added = append(added, sub)
		}
	}
	m.subsMu.Unlock()
	if len(added) == 0 {
		return nil
	}
	return m.sendControlRequests("subscribe", added)
}

// Unsubscribe removes the topics and sends unsubscribe requests for those
// currently tracked.
func (m *WSManager) Unsubscribe(subs ...Subscription) error {
	m.subsMu.Lock()
	removed := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		key := sub.key()
		if _, exists := m.subscriptions[key]; exists {
			delete(m.subscriptions, key)
			removed = append(removed, sub)
		}
	}
	m.subsMu.Unlock()
	if len(removed) == 0 {
		return nil
	}
	return m.sendControlRequests("unsubscribe", removed)
}

func (m *WSManager) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = wsMaxReconnectInterval

	for {
		select {
		case <-m.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(m.ctx, m.baseURL, nil)
		if err != nil {
			observability.Log().Warn("websocket dial failed",
				observability.F("url", m.baseURL),
				observability.F("error", err),
			)
			if stopped := m.sleepBackoff(backoffCfg); stopped {
				return context.Canceled
			}
			continue
		}

		conn.SetReadLimit(wsReadLimit)

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()

		m.readyOnce.Do(func() { close(m.ready) })
		backoffCfg.Reset()

		if err := m.resubscribeAll(); err != nil {
			observability.Log().Error("resubscribe after reconnect failed",
				observability.F("error", err),
			)
		}

		readErr := m.readLoop(conn)

		m.connMu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			observability.Log().Warn("websocket read loop ended",
				observability.F("error", readErr),
			)
		}

		if stopped := m.sleepBackoff(backoffCfg); stopped {
			return context.Canceled
		}
	}
}

func (m *WSManager) sleepBackoff(backoffCfg *backoff.ExponentialBackOff) bool {
	sleep := backoffCfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = wsMaxReconnectInterval
	}
	select {
	case <-m.ctx.Done():
		return true
	case <-time.After(sleep):
		return false
	}
}

func (m *WSManager) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(m.ctx)
		if err != nil {
			return err
		}
		if m.handler != nil {
			m.handler(data)
		}
	}
}

func (m *WSManager) resubscribeAll() error {
	m.subsMu.Lock()
	subs := make([]Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	m.subsMu.Unlock()
	if len(subs) == 0 {
		return nil
	}
	return m.sendControlRequests("subscribe", subs)
}

func (m *WSManager) sendControlRequests(op string, subs []Subscription) error {
	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		// No live connection; tracked subscriptions are replayed on reconnect.
		return nil
	}

	for _, sub := range subs {
		req := wsControlRequest{Type: op, Channel: sub.Channel, ID: sub.ID}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}

		writeCtx, cancel := context.WithTimeout(m.ctx, wsWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write %s request: %w", op, err)
		}
	}
	return nil
}

// Subscriptions returns a snapshot of the tracked subscription set.
func (m *WSManager) Subscriptions() []Subscription {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	subs := make([]Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}
