// Package app hosts the sync hub: the realtime transport and persisted-store
// endpoint behind every tabletop session. Clients join topic channels over a
// websocket, track presence, and watch row changes; reads and writes go
// through the HTTP query/mutation endpoint, and every committed mutation fans
// out to watching channels.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gridforge/tabletop/internal/platform/id"
	"github.com/gridforge/tabletop/internal/platform/timeouts"
	"github.com/gridforge/tabletop/internal/services/sync/storage"
	"github.com/gridforge/tabletop/internal/services/sync/storage/sqlite"
	"github.com/gridforge/tabletop/internal/wire"
	"golang.org/x/net/websocket"
)

const (
	tokenCookieName = "gf_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Config defines the inputs for the sync hub process.
type Config struct {
	HTTPAddr          string
	StorePath         string
	TokenSecret       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	PresenceTTL       time.Duration
	PresenceSweep     time.Duration
}

// Options tunes an App independently of process concerns, mainly for tests.
type Options struct {
	TokenSecret   string
	PresenceTTL   time.Duration
	PresenceSweep time.Duration
}

// App wires the channel hub, the persisted store, and the HTTP surface. It
// owns the presence expiry sweeper.
type App struct {
	hub         *channelHub
	store       storage.Store
	authorizer  *tokenAuthorizer
	presenceTTL time.Duration
	mux         *http.ServeMux
	sweepStop   context.CancelFunc
	sweepDone   chan struct{}

	// publishMu serializes mutation commits with their change fan-out so
	// watchers observe changes in commit order.
	publishMu sync.Mutex
}

// NewApp builds the hub surface over the given store.
func NewApp(store storage.Store, options Options) *App {
	ttl := options.PresenceTTL
	if ttl <= 0 {
		ttl = timeouts.PresenceTTL
	}
	sweep := options.PresenceSweep
	if sweep <= 0 {
		sweep = timeouts.PresenceSweep
	}

	app := &App{
		hub:         newChannelHub(),
		store:       store,
		authorizer:  newTokenAuthorizer(options.TokenSecret),
		presenceTTL: ttl,
		sweepDone:   make(chan struct{}),
	}
	app.mux = app.routes()

	sweepCtx, cancel := context.WithCancel(context.Background())
	app.sweepStop = cancel
	go app.runPresenceSweeper(sweepCtx, sweep)

	return app
}

// Handler returns the HTTP surface: /up, /ws, /query, /mutate.
func (a *App) Handler() http.Handler {
	return a.mux
}

// Close stops the presence sweeper. The store is owned by the caller.
func (a *App) Close() {
	if a == nil || a.sweepStop == nil {
		return
	}
	a.sweepStop()
	<-a.sweepDone
}

func (a *App) runPresenceSweeper(ctx context.Context, interval time.Duration) {
	defer close(a.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.hub.sweepExpired(now)
		}
	}
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		a.handleConn(conn)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if a.authorizer != nil {
			token := accessTokenFromRequest(r)
			if token == "" {
				log.Printf("sync: websocket unauthorized: missing %s for remote=%s", tokenCookieName, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			userID, err := a.authorizer.authenticate(token)
			if err != nil {
				log.Printf("sync: websocket unauthorized: token rejected for remote=%s err=%v", r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), wsUserIDContextKey{}, userID))
		}

		wsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/query", a.handleQuery)
	mux.HandleFunc("/mutate", a.handleMutate)
	return mux
}

type wsUserIDContextKey struct{}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func (a *App) handleConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	userID := ""
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok {
			userID = resolved
		}
	}
	peer := newSyncPeer(json.NewEncoder(conn), id.NewPrefixed("client"), userID)
	defer a.hub.dropPeer(peer)

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeSyncError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeSyncError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeSyncError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case wire.TypeJoin:
			a.handleJoinFrame(peer, frame)
		case wire.TypeLeave:
			a.handleLeaveFrame(peer, frame)
		case wire.TypeTrack:
			a.handleTrackFrame(peer, frame)
		case wire.TypeWatch:
			a.handleWatchFrame(peer, frame)
		case wire.TypeHeartbeat:
			a.handleHeartbeatFrame(peer, frame)
		default:
			_ = writeSyncError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func (a *App) handleJoinFrame(peer *syncPeer, frame wire.Frame) {
	var payload wire.JoinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeSyncError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}
	topic := strings.TrimSpace(payload.Topic)
	if topic == "" {
		_ = writeSyncError(peer, frame.RequestID, "INVALID_ARGUMENT", "topic is required")
		return
	}

	channel := a.hub.channel(topic)
	channel.join(peer)

	_ = peer.send(wire.Frame{
		Type:      wire.TypeJoined,
		RequestID: frame.RequestID,
		Payload: mustJSON(wire.JoinedPayload{
			Topic:      topic,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})
}

func (a *App) handleLeaveFrame(peer *syncPeer, frame wire.Frame) {
	var payload wire.LeavePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeSyncError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid leave payload")
		return
	}

	channel := a.hub.lookup(strings.TrimSpace(payload.Topic))
	if channel != nil && channel.leave(peer) {
		broadcastPresence(channel)
	}
	_ = writeSyncAck(peer, frame.RequestID)
}

func (a *App) handleTrackFrame(peer *syncPeer, frame wire.Frame) {
	var payload wire.TrackPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeSyncError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid track payload")
		return
	}

	channel := a.joinedChannel(peer, payload.Topic)
	if channel == nil {
		_ = writeSyncError(peer, frame.RequestID, "FAILED_PRECONDITION", "must join topic before tracking presence")
		return
	}

	// Authenticated connections always present their verified identity.
	userID := strings.TrimSpace(payload.UserID)
	if peer.userID != "" {
		userID = peer.userID
	}
	if userID == "" {
		userID = peer.clientID
	}

	channel.track(peer, userID, a.presenceTTL)
	_ = writeSyncAck(peer, frame.RequestID)
	broadcastPresence(channel)
}

func (a *App) handleWatchFrame(peer *syncPeer, frame wire.Frame) {
	var payload wire.WatchPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeSyncError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid watch payload")
		return
	}

	channel := a.joinedChannel(peer, payload.Topic)
	if channel == nil {
		_ = writeSyncError(peer, frame.RequestID, "FAILED_PRECONDITION", "must join topic before watching changes")
		return
	}

	table := strings.TrimSpace(payload.Table)
	if !storage.KnownTable(table) {
		_ = writeSyncError(peer, frame.RequestID, "INVALID_ARGUMENT", fmt.Sprintf("unknown table %q", table))
		return
	}
	filter, err := wire.ParseFilter(payload.Filter)
	if err != nil {
		_ = writeSyncError(peer, frame.RequestID, "INVALID_ARGUMENT", err.Error())
		return
	}

	channel.addWatch(peer, watchSpec{table: table, filter: filter})
	_ = writeSyncAck(peer, frame.RequestID)
}

func (a *App) handleHeartbeatFrame(peer *syncPeer, frame wire.Frame) {
	for _, channel := range a.hub.channelList() {
		channel.refresh(peer, a.presenceTTL)
	}
	_ = writeSyncAck(peer, frame.RequestID)
}

func (a *App) joinedChannel(peer *syncPeer, topic string) *topicChannel {
	channel := a.hub.lookup(strings.TrimSpace(topic))
	if channel == nil || !channel.joined(peer) {
		return nil
	}
	return channel
}

func writeSyncAck(peer *syncPeer, requestID string) error {
	return peer.send(wire.Frame{
		Type:      wire.TypeAck,
		RequestID: requestID,
		Payload:   mustJSON(wire.AckEnvelope{Result: wire.AckResult{Status: "ok"}}),
	})
}

func writeSyncError(peer *syncPeer, requestID string, code string, message string) error {
	return peer.send(wire.Frame{
		Type:      wire.TypeError,
		RequestID: requestID,
		Payload: mustJSON(wire.ErrorEnvelope{
			Error: wire.Error{Code: code, Message: message, Retryable: false},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// Server hosts the sync HTTP/websocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	app             *App
	store           storage.Store
}

// NewServer builds a configured sync server backed by a SQLite store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.StorePath) == "" {
		return nil, errors.New("store path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open sync store: %w", err)
	}

	app := NewApp(store, Options{
		TokenSecret:   config.TokenSecret,
		PresenceTTL:   config.PresenceTTL,
		PresenceSweep: config.PresenceSweep,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		app:             app,
		store:           store,
	}, nil
}

// Run creates and serves a sync server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init sync server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve sync: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("sync server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("sync server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.app != nil {
		s.app.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close sync store: %v", err)
		}
	}
}
