package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/gridforge/tabletop/internal/platform/id"
	"github.com/gridforge/tabletop/internal/platform/timeouts"
	"github.com/gridforge/tabletop/internal/wire"
)

const tokenCookieName = "gf_token"

// HubError is a structured sync.error frame surfaced as a Go error.
type HubError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *HubError) Error() string {
	return fmt.Sprintf("sync hub: %s: %s", e.Code, e.Message)
}

// WSConfig configures the websocket transport.
type WSConfig struct {
	// URL is the hub websocket endpoint, e.g. ws://localhost:8090/ws.
	URL string
	// Origin is sent in the websocket handshake.
	Origin string
	// Token, when set, is sent as the session cookie on the handshake.
	Token string
	// RetryDelay is the pause between reconnect attempts.
	RetryDelay time.Duration
	// HeartbeatInterval is how often presence heartbeats are sent while
	// connected. Zero disables heartbeats.
	HeartbeatInterval time.Duration
}

// WSTransport multiplexes topic channels over a single websocket connection
// to the sync hub. The connection is dialed lazily on the first subscribe
// and redialed automatically when it drops; live subscriptions, watches and
// presence tracks are replayed after every reconnect.
type WSTransport struct {
	cfg WSConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	enc      *json.Encoder
	gen      int
	closed   bool
	pending  map[string]chan wire.Frame
	channels map[string]*wsChannel

	heartbeatStop chan struct{}
}

func NewWSTransport(cfg WSConfig) *WSTransport {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &WSTransport{
		cfg:      cfg,
		pending:  make(map[string]chan wire.Frame),
		channels: make(map[string]*wsChannel),
	}
}

func (t *WSTransport) Channel(topic string) TransportChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[topic]; ok {
		return ch
	}
	ch := &wsChannel{
		t:        t,
		topic:    topic,
		handlers: make(map[int]changeHandler),
		presence: make(map[int]func([]wire.Member)),
		watches:  make(map[string]Watch),
	}
	t.channels[topic] = ch
	return ch
}

// Close tears the connection down and fails every pending request.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.enc = nil
	if t.heartbeatStop != nil {
		close(t.heartbeatStop)
		t.heartbeatStop = nil
	}
	t.failPendingLocked()
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *WSTransport) failPendingLocked() {
	for requestID, ch := range t.pending {
		close(ch)
		delete(t.pending, requestID)
	}
}

// ensureConn dials the hub if no connection is live. Callers hold no locks.
func (t *WSTransport) ensureConn(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("realtime: transport closed")
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return errors.New("realtime: transport closed")
	}
	t.conn = conn
	t.enc = json.NewEncoder(conn)
	t.gen++
	gen := t.gen
	if t.cfg.HeartbeatInterval > 0 && t.heartbeatStop == nil {
		t.heartbeatStop = make(chan struct{})
		go t.runHeartbeats(t.heartbeatStop)
	}
	t.mu.Unlock()

	go t.readLoop(conn, gen)
	return nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	origin := t.cfg.Origin
	if origin == "" {
		origin = originFromWS(t.cfg.URL)
	}
	cfg, err := websocket.NewConfig(t.cfg.URL, origin)
	if err != nil {
		return nil, fmt.Errorf("configure websocket: %w", err)
	}
	if token := strings.TrimSpace(t.cfg.Token); token != "" {
		if cfg.Header == nil {
			cfg.Header = http.Header{}
		}
		cfg.Header.Set("Cookie", tokenCookieName+"="+token)
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Dialer = &net.Dialer{Deadline: deadline}
	}
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dial sync hub: %w", err)
	}
	return conn, nil
}

// readLoop routes inbound frames until the connection fails, then triggers
// a reconnect unless the transport was closed. gen guards against a stale
// loop tearing down a newer connection.
func (t *WSTransport) readLoop(conn *websocket.Conn, gen int) {
	dec := json.NewDecoder(conn)
	for {
		var frame wire.Frame
		if err := dec.Decode(&frame); err != nil {
			break
		}
		t.dispatch(frame)
	}

	t.mu.Lock()
	if t.closed || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.enc = nil
	t.failPendingLocked()
	t.mu.Unlock()
	_ = conn.Close()

	t.reconnect()
}

func (t *WSTransport) dispatch(frame wire.Frame) {
	if frame.RequestID != "" {
		switch frame.Type {
		case wire.TypeJoined, wire.TypeAck, wire.TypeError:
			t.mu.Lock()
			waiter := t.pending[frame.RequestID]
			delete(t.pending, frame.RequestID)
			t.mu.Unlock()
			if waiter != nil {
				waiter <- frame
				close(waiter)
			}
			return
		}
	}

	switch frame.Type {
	case wire.TypePresence:
		var payload wire.PresencePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		if ch := t.lookupChannel(payload.Topic); ch != nil {
			ch.deliverPresence(payload.Members)
		}
	case wire.TypeChange:
		var payload wire.ChangePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		if ch := t.lookupChannel(payload.Topic); ch != nil {
			ch.deliverChange(payload.Change)
		}
	}
}

func (t *WSTransport) lookupChannel(topic string) *wsChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[topic]
}

// reconnect redials until it succeeds or the transport closes, then replays
// every live subscription, its watches and its presence track.
func (t *WSTransport) reconnect() {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		time.Sleep(t.cfg.RetryDelay)

		ctx, cancel := context.WithTimeout(context.Background(), timeouts.Dial)
		err := t.ensureConn(ctx)
		cancel()
		if err != nil {
			log.Printf("sync client: reconnect failed: %v", err)
			continue
		}

		t.resync()
		return
	}
}

func (t *WSTransport) resync() {
	t.mu.Lock()
	channels := make([]*wsChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	for _, ch := range channels {
		if err := ch.replay(); err != nil {
			log.Printf("sync client: resync topic=%s failed: %v", ch.topic, err)
		}
	}
}

func (t *WSTransport) runHeartbeats(stop chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = t.send(wire.Frame{Type: wire.TypeHeartbeat, Payload: json.RawMessage(`{}`)})
		}
	}
}

func (t *WSTransport) send(frame wire.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc == nil {
		return errors.New("realtime: not connected")
	}
	return t.enc.Encode(frame)
}

// request sends frame and waits for the hub's response to its request id.
// Error frames come back as *HubError.
func (t *WSTransport) request(ctx context.Context, frameType string, payload any) (wire.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	requestID := id.New()
	waiter := make(chan wire.Frame, 1)

	t.mu.Lock()
	t.pending[requestID] = waiter
	t.mu.Unlock()

	if err := t.send(wire.Frame{Type: frameType, RequestID: requestID, Payload: raw}); err != nil {
		t.mu.Lock()
		delete(t.pending, requestID)
		t.mu.Unlock()
		return wire.Frame{}, err
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, requestID)
		t.mu.Unlock()
		return wire.Frame{}, ctx.Err()
	case frame, ok := <-waiter:
		if !ok {
			return wire.Frame{}, errors.New("realtime: connection lost")
		}
		if frame.Type == wire.TypeError {
			var envelope wire.ErrorEnvelope
			if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
				return wire.Frame{}, fmt.Errorf("decode error frame: %w", err)
			}
			return wire.Frame{}, &HubError{
				Code:      envelope.Error.Code,
				Message:   envelope.Error.Message,
				Retryable: envelope.Error.Retryable,
			}
		}
		return frame, nil
	}
}

func originFromWS(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""
	return u.String()
}
