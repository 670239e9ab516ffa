// Package dashboard serves a live status feed for the sync daemon.
//
// Connected WebSocket clients receive batch flushes, cycle results and
// remote connection changes as they happen. /health reports a JSON
// summary and /metrics exposes the Prometheus registry.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/metrics"
	"github.com/manwonyori/gitsyncd/internal/model"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeBatchFlushed indicates the aggregator closed a batch
	MessageTypeBatchFlushed MessageType = "batch_flushed"

	// MessageTypeSyncResult carries the outcome of one sync cycle
	MessageTypeSyncResult MessageType = "sync_result"

	// MessageTypeRemoteStatus indicates the remote stream connected or dropped
	MessageTypeRemoteStatus MessageType = "remote_status"

	// MessageTypeHello is sent once to every new client
	MessageTypeHello MessageType = "hello"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// BroadcastBuffer bounds the broadcast channel.
const BroadcastBuffer = 100

// writeTimeout bounds one client write.
const writeTimeout = 5 * time.Second

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	router   chi.Router

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message
	dropped   atomic.Int64

	// Status reported by /health
	depth      func() int
	lastResult atomic.Pointer[model.SyncResult]
	remoteUp   atomic.Pointer[bool]

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:7070". Port 0 picks a free port.
	Addr string

	// QueueDepth reports the event queue length for /health. Optional.
	QueueDepth func() int

	// Metrics is exposed on /metrics when set.
	Metrics *metrics.Metrics
}

// NewServer creates a new dashboard server
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	depth := cfg.QueueDepth
	if depth == nil {
		depth = func() int { return 0 }
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      cfg.Addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, BroadcastBuffer),
		depth:     depth,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(zap.String("component", "dashboard")),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	r.Get("/", s.handleRoot)
	s.router = r

	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins the HTTP server and the broadcast loop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", zap.Error(err))
		}
	}()

	return nil
}

// Run starts the server and stops it when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return err
}

// Broadcast queues a message for all connected clients. It never blocks:
// when the buffer is full the message is dropped with a warning.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.broadcast <- msg:
	default:
		s.dropped.Add(1)
		s.logger.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// Dropped returns how many messages were dropped on a full channel.
func (s *Server) Dropped() int64 {
	return s.dropped.Load()
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Debug("failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug("client connected", zap.Int("clients", clientCount))

	hello, _ := json.Marshal(Message{
		Type:      MessageTypeHello,
		Timestamp: time.Now(),
		Data:      s.healthJSON(),
	})
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	go s.readLoop(conn)
}

// readLoop detects client disconnects; client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", zap.Int("clients", clientCount))
}

// Health is the /health payload.
type Health struct {
	Status        string            `json:"status"`
	Clients       int               `json:"clients"`
	QueueDepth    int               `json:"queue_depth"`
	RemoteUp      *bool             `json:"remote_connected,omitempty"`
	LastResult    *model.SyncResult `json:"last_result,omitempty"`
	DroppedFrames int64             `json:"dropped_messages"`
}

func (s *Server) health() Health {
	h := Health{
		Status:        "ok",
		Clients:       s.ClientCount(),
		QueueDepth:    s.depth(),
		RemoteUp:      s.remoteUp.Load(),
		LastResult:    s.lastResult.Load(),
		DroppedFrames: s.dropped.Load(),
	}
	if h.LastResult != nil && h.LastResult.Failed() {
		h.Status = "degraded"
	}
	return h
}

func (s *Server) healthJSON() json.RawMessage {
	data, _ := json.Marshal(s.health())
	return data
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.health())
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>syncd</title>
</head>
<body>
    <h1>syncd status</h1>
    <p>WebSocket feed: <code>ws://%s/ws</code></p>
    <p>Health: <a href="/health">/health</a></p>
    <p>Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
