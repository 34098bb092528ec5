package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/confcore/usersync/internal/usersync/engine"
	"github.com/confcore/usersync/internal/usersync/service"
)

type fakeSource struct {
	mu    sync.Mutex
	stats engine.Stats
}

func (f *fakeSource) Stats() engine.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

type fakeRequester struct {
	mu    sync.Mutex
	items []service.WorkItem
	err   error
}

func (f *fakeRequester) Request(ctx context.Context, item service.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return f.err
}

func startServer(t *testing.T, requester Requester) *Server {
	t.Helper()

	server := NewServer(&Config{
		Host:      "127.0.0.1",
		Port:      0,
		Requester: requester,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: log.New(io.Discard, "", 0)})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	if addr := server.GetAddr(); addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("Unexpected server address %q", addr)
	}

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Health status = %d, want 200", resp.StatusCode)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestSnapshotOnConnect(t *testing.T) {
	server := startServer(t, nil)
	source := &fakeSource{stats: engine.Stats{
		State:        engine.State{Phase: engine.PhaseRunning, IsRunning: true, IsAccountAvailable: true},
		PendingCount: 2,
	}}
	NewHandler(server, source, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeState {
		t.Fatalf("First message type = %s, want %s", msg.Type, MessageTypeState)
	}
	var st struct {
		Phase     string `json:"phase"`
		IsRunning bool   `json:"isRunning"`
	}
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if st.Phase != "running" || !st.IsRunning {
		t.Errorf("Snapshot state = %+v", st)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Second message type = %s, want %s", msg.Type, MessageTypeStats)
	}
	var stats struct {
		PendingCount int64 `json:"pendingCount"`
	}
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.PendingCount != 2 {
		t.Errorf("PendingCount = %d, want 2", stats.PendingCount)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	for i := 0; i < numClients; i++ {
		dial(t, ctx, server)
	}
	waitForClients(t, server, numClients)
}

func TestHandlerBroadcasts(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, nil, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	// Without a stats source the snapshot carries only the last state.
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeState {
		t.Fatalf("Snapshot type = %s, want %s", msg.Type, MessageTypeState)
	}
	waitForClients(t, server, 1)

	handler.OnState(engine.State{Phase: engine.PhaseWaitingForAccount})
	handler.OnWorkEvent(service.Event{Type: service.EventFinished, Item: service.WorkItem{Kind: service.KindFetch}})
	handler.OnCatalogImport(12, 2, time.Second)

	want := []MessageType{MessageTypeState, MessageTypeWork, MessageTypeCatalogImport}
	for i, typ := range want {
		msg := readMessage(t, ctx, conn)
		if msg.Type != typ {
			t.Fatalf("Message %d type = %s, want %s", i, msg.Type, typ)
		}
		if msg.Timestamp.IsZero() {
			t.Errorf("Message %d has no timestamp", i)
		}
	}
}

func TestHandlerForward(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, nil, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn)
	waitForClients(t, server, 1)

	events := make(chan service.Event, 1)
	done := make(chan struct{})
	go func() {
		handler.Forward(ctx, events)
		close(done)
	}()

	events <- service.Event{Type: service.EventStarted, Item: service.WorkItem{Kind: service.KindImportCatalog}}
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeWork {
		t.Fatalf("Message type = %s, want %s", msg.Type, MessageTypeWork)
	}

	var ev service.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if ev.Item.Kind != service.KindImportCatalog || ev.Type != service.EventStarted {
		t.Errorf("Forwarded event = %+v", ev)
	}

	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return after events closed")
	}
}

func TestClientRequests(t *testing.T) {
	requester := &fakeRequester{}
	server := startServer(t, requester)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	waitForClients(t, server, 1)

	send := func(v string) {
		if err := conn.Write(ctx, websocket.MessageText, []byte(v)); err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}
	}

	send(`{"type":"request","data":{"kind":"fetch"}}`)
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeRequestResult {
		t.Fatalf("Message type = %s, want %s", msg.Type, MessageTypeRequestResult)
	}
	var result RequestResultData
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.Item.Kind != service.KindFetch || result.Error != "" {
		t.Errorf("Result = %+v", result)
	}

	requester.mu.Lock()
	requester.err = errors.New("unknown work item kind")
	requester.mu.Unlock()

	send(`{"type":"request","data":{"kind":"reindex"}}`)
	msg = readMessage(t, ctx, conn)
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.Error == "" {
		t.Error("Expected error for failed request")
	}

	send(`{"type":"request","data":{}}`)
	msg = readMessage(t, ctx, conn)
	result = RequestResultData{}
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.Error != "invalid work item" {
		t.Errorf("Result error = %q, want %q", result.Error, "invalid work item")
	}

	requester.mu.Lock()
	defer requester.mu.Unlock()
	if len(requester.items) != 2 {
		t.Errorf("Requester saw %d items, want 2", len(requester.items))
	}
}

func TestBroadcastAfterStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}

	// Must not block or panic.
	server.Broadcast(Message{Type: MessageTypeStats})
}
