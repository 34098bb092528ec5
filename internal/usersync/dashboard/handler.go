package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/confcore/usersync/internal/usersync/engine"
	"github.com/confcore/usersync/internal/usersync/service"
)

// StatsSource reports engine counters.
type StatsSource interface {
	Stats() engine.Stats
}

// CatalogImportData describes a catalog import.
type CatalogImportData struct {
	Sessions int           `json:"sessions"`
	Files    int           `json:"files"`
	Duration time.Duration `json:"duration"`
}

// Handler formats engine and service events as dashboard messages.
// It bridges between the sync components and the WebSocket server.
type Handler struct {
	server *Server
	source StatsSource
	logger *log.Logger

	mu    sync.Mutex
	state engine.State
}

// NewHandler creates a handler connected to a dashboard server. New
// clients receive the latest state and stats on connect.
func NewHandler(server *Server, source StatsSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	h := &Handler{
		server: server,
		source: source,
		logger: logger,
	}
	server.SetSnapshot(h.snapshot)
	return h
}

// OnState handles engine state changes. Suitable for engine.Subscribe.
func (h *Handler) OnState(st engine.State) {
	h.mu.Lock()
	h.state = st
	h.mu.Unlock()

	h.broadcast(MessageTypeState, st)
	h.broadcastStats()
}

// OnWorkEvent handles service progress events
func (h *Handler) OnWorkEvent(ev service.Event) {
	h.broadcast(MessageTypeWork, ev)
	if ev.Type != service.EventStarted {
		h.broadcastStats()
	}
}

// OnCatalogImport handles catalog import completion
func (h *Handler) OnCatalogImport(sessions, files int, duration time.Duration) {
	h.logger.Printf("Catalog import: %d sessions from %d files in %v", sessions, files, duration)
	h.broadcast(MessageTypeCatalogImport, CatalogImportData{
		Sessions: sessions,
		Files:    files,
		Duration: duration,
	})
}

// Forward relays service events until ctx is done or events is closed.
func (h *Handler) Forward(ctx context.Context, events <-chan service.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.OnWorkEvent(ev)
		}
	}
}

func (h *Handler) broadcastStats() {
	if h.source == nil {
		return
	}
	h.broadcast(MessageTypeStats, h.source.Stats())
}

func (h *Handler) broadcast(typ MessageType, v any) {
	msg, ok := h.message(typ, v)
	if ok {
		h.server.Broadcast(msg)
	}
}

func (h *Handler) message(typ MessageType, v any) (Message, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return Message{}, false
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: data}, true
}

func (h *Handler) snapshot() []Message {
	var msgs []Message

	if h.source != nil {
		stats := h.source.Stats()
		if msg, ok := h.message(MessageTypeState, stats.State); ok {
			msgs = append(msgs, msg)
		}
		if msg, ok := h.message(MessageTypeStats, stats); ok {
			msgs = append(msgs, msg)
		}
		return msgs
	}

	h.mu.Lock()
	st := h.state
	h.mu.Unlock()
	if msg, ok := h.message(MessageTypeState, st); ok {
		msgs = append(msgs, msg)
	}
	return msgs
}
