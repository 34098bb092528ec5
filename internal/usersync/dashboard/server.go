// Package dashboard provides a real-time WebSocket server for sync monitoring.
//
// The dashboard broadcasts engine state changes, sync statistics and work
// item progress to connected WebSocket clients. Clients may also send
// work requests, which are forwarded to the sync service.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/confcore/usersync/internal/usersync/service"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeState carries the engine's published state
	MessageTypeState MessageType = "state"

	// MessageTypeStats carries engine counters
	MessageTypeStats MessageType = "stats"

	// MessageTypeWork carries a work item progress event
	MessageTypeWork MessageType = "work"

	// MessageTypeCatalogImport indicates catalog sessions were imported
	MessageTypeCatalogImport MessageType = "catalog_import"

	// MessageTypeRequest is sent by clients to request a work item
	MessageTypeRequest MessageType = "request"

	// MessageTypeRequestResult answers a client request
	MessageTypeRequestResult MessageType = "request_result"
)

// Message represents a dashboard message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RequestResultData answers a client work request
type RequestResultData struct {
	Item  service.WorkItem `json:"item"`
	Error string           `json:"error,omitempty"`
}

// Requester runs work items on behalf of dashboard clients.
type Requester interface {
	Request(ctx context.Context, item service.WorkItem) error
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr      string
	listener  net.Listener
	server    *http.Server
	requester Requester

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// snapshot returns the messages sent to each new client
	snapshot   func() []Message
	snapshotMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on (default: 7717, 0 picks a free port)
	Port int

	// Requester handles client work requests (optional)
	Requester Requester

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   7717,
		Logger: log.Default(),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		requester: config.Requester,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// SetSnapshot registers fn to produce the messages every new client
// receives on connect.
func (s *Server) SetSnapshot(fn func() []Message) {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	s.snapshot = fn
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) send(conn *websocket.Conn, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal message: %v", err)
		return
	}
	if err := s.write(conn, data); err != nil {
		s.logger.Printf("Failed to send to client: %v", err)
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.snapshotMu.RLock()
	snapshot := s.snapshot
	s.snapshotMu.RUnlock()
	if snapshot != nil {
		for _, msg := range snapshot() {
			s.send(conn, msg)
		}
	}

	// Registered after the snapshot so broadcasts never precede it
	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	s.wg.Add(1)
	go s.readLoop(conn)
}

// readLoop serves client requests until the client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Printf("Ignoring malformed client message: %v", err)
			continue
		}
		if msg.Type != MessageTypeRequest {
			continue
		}

		var item service.WorkItem
		if err := json.Unmarshal(msg.Data, &item); err != nil || item.Kind == "" {
			s.reply(conn, RequestResultData{Item: item, Error: "invalid work item"})
			continue
		}

		s.wg.Add(1)
		go s.handleRequest(conn, item)
	}
}

func (s *Server) handleRequest(conn *websocket.Conn, item service.WorkItem) {
	defer s.wg.Done()

	result := RequestResultData{Item: item}
	if s.requester == nil {
		result.Error = "requests not supported"
	} else if err := s.requester.Request(s.ctx, item); err != nil {
		result.Error = err.Error()
	}
	s.reply(conn, result)
}

func (s *Server) reply(conn *websocket.Conn, result RequestResultData) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Printf("Failed to marshal request result: %v", err)
		return
	}
	s.send(conn, Message{Type: MessageTypeRequestResult, Data: data})
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>usersync Dashboard</title>
</head>
<body>
    <h1>usersync Dashboard Server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Send <code>{"type":"request","data":{"kind":"fetch"}}</code> to request a fetch.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
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
