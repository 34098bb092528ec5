package httpstore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/confcore/usersync/internal/usersync/remote"
)

// Notifier is implemented by stores that push change notifications, such
// as memstore.Store.
type Notifier interface {
	Listen(fn func(payload []byte)) (cancel func())
}

// ServerConfig holds Server settings.
type ServerConfig struct {
	// Token is the bearer token clients must present. Empty disables auth.
	Token string

	Logger *log.Logger
}

// Server serves a remote.Store over HTTP.
type Server struct {
	store  remote.Store
	token  string
	logger *log.Logger
	router chi.Router

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	unlisten func()

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server for store. If store implements Notifier its
// notifications are forwarded to WebSocket clients. Call Close when done.
func NewServer(store remote.Store, config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[httpstore] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:   store,
		token:   config.Token,
		logger:  config.Logger,
		clients: make(map[*websocket.Conn]bool),
		ctx:     ctx,
		cancel:  cancel,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.bearerAuth)

		r.Get("/account", s.handleAccount)
		r.Put("/subscriptions/{id}", s.handleCreateSubscription)
		r.Get("/notifications", s.handleNotifications)

		r.Route("/zones/{owner}/{zone}", func(r chi.Router) {
			r.Put("/", s.handleCreateZone)
			r.Delete("/", s.handleDeleteZone)
			r.Post("/changes", s.handleFetchChanges)
			r.Post("/modify", s.handleModify)
		})
	})
	s.router = r

	if n, ok := store.(Notifier); ok {
		s.unlisten = n.Listen(s.Notify)
	}

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close disconnects every notification client.
func (s *Server) Close() {
	if s.unlisten != nil {
		s.unlisten()
	}
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()
}

// ClientCount returns the number of connected notification clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Notify sends payload to every connected notification client.
func (s *Server) Notify(payload []byte) {
	s.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.clientsMu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, payload)
		cancel()

		if err != nil {
			s.logger.Printf("Failed to notify client: %v", err)
			s.removeClient(conn)
		}
	}
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(s.token)) != 1 {
			s.writeError(w, remote.Errorf(remote.CodeNotAuthenticated, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func zoneParam(r *http.Request) remote.ZoneID {
	return remote.ZoneID{Owner: chi.URLParam(r, "owner"), Name: chi.URLParam(r, "zone")}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.AccountStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Status: status})
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	if err := s.store.CreateZone(r.Context(), zoneParam(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteZone(r.Context(), zoneParam(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, remote.Errorf(remote.CodeInvalidArguments, "invalid request body: %v", err))
		return
	}

	sub := remote.Subscription{ID: chi.URLParam(r, "id"), Zone: req.Zone}
	if err := s.store.CreateSubscription(r.Context(), sub); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchChanges(w http.ResponseWriter, r *http.Request) {
	var req changesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, remote.Errorf(remote.CodeInvalidArguments, "invalid request body: %v", err))
		return
	}

	changes, err := s.store.FetchChanges(r.Context(), zoneParam(r), req.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	var req modifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, remote.Errorf(remote.CodeInvalidArguments, "invalid request body: %v", err))
		return
	}

	result, err := s.store.Modify(r.Context(), zoneParam(r), req.Saves, req.Deletes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Notification client connected (total: %d)", count)

	// Read until the client goes away
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Notification client disconnected (total: %d)", count)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rerr *remote.Error
	if !errors.As(err, &rerr) {
		s.logger.Printf("Store error: %v", err)
		rerr = remote.Errorf(remote.CodeInternal, "%v", err)
	}

	if rerr.RetryAfter > 0 {
		secs := int((rerr.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, statusFor(rerr.Code), rerr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "httpstore: failed to encode response: %v\n", err)
	}
}
