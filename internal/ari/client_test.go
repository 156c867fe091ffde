package ari

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Username:     "u",
		Password:     "p",
		BaseURL:      baseURL,
		AppName:      "app",
		PingInterval: 1,
		PingTimeout:  1,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestClient_Connect_ProbeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("Expected Connect to fail on probe rejection")
	}

	if client.Running() || client.Connected() {
		t.Error("Expected running and connected to be false after probe failure")
	}
	if client.httpClient != nil {
		t.Error("Expected HTTP session to be cleared after probe failure")
	}
}

func TestClient_Connect_WSFailureClosesHTTPSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ari/asterisk/info", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	// No /ari/events handler: the WebSocket upgrade fails with 404.
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("Expected Connect to fail when the WebSocket handshake fails")
	}

	if client.Running() {
		t.Error("Expected running=false after WebSocket failure")
	}
	if client.Connected() {
		t.Error("Expected connected=false after WebSocket failure")
	}
	if client.httpClient != nil {
		t.Error("Expected HTTP session handle to be cleared after WebSocket failure")
	}
}

func TestClient_Connect_SuccessAndDispatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	events := make(chan *websocket.Conn, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/ari/asterisk/info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ari/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "u:p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		events <- conn
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)

	var mu sync.Mutex
	var order []string
	received := make(chan struct{}, 4)
	record := func(name string) EventHandler {
		return func(evt Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			received <- struct{}{}
		}
	}
	client.OnEvent("StasisStart", record("first"))
	client.OnEvent("StasisStart", record("second"))

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if !client.Running() || !client.Connected() {
		t.Fatal("Expected running and connected after successful Connect")
	}

	serverConn := <-events
	defer serverConn.Close()

	// Unknown event types are dropped without error.
	if err := serverConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"ChannelDtmfReceived","digit":"1"}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := serverConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"StasisStart","channel":{"id":"chan-1"}}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for event dispatch")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected handlers in registration order [first second], got %v", order)
	}
}

func TestClient_CloseClearsState(t *testing.T) {
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ari/asterisk/info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ari/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if client.Running() || client.Connected() {
		t.Error("Expected running and connected false after Close")
	}
	if client.httpClient != nil {
		t.Error("Expected HTTP session handle cleared after Close")
	}
}

func TestClient_DoneSignalsStreamDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	events := make(chan *websocket.Conn, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/ari/asterisk/info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ari/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		events <- conn
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)

	// Not connected yet: Done is already closed.
	select {
	case <-client.Done():
	default:
		t.Error("Expected Done closed before Connect")
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	done := client.Done()
	select {
	case <-done:
		t.Fatal("Done closed while stream is up")
	default:
	}

	serverConn := <-events
	serverConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Done after server dropped the stream")
	}

	if client.Connected() {
		t.Error("Expected connected false after stream drop")
	}
}

func TestClient_StateAccessorsDuringSlowConnect(t *testing.T) {
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ari/asterisk/info", func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server.URL)

	go client.Connect(context.Background())

	// Wait until the connect attempt is in flight.
	deadline := time.Now().Add(time.Second)
	for {
		client.mu.Lock()
		connecting := client.connecting
		client.mu.Unlock()
		if connecting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Connect never started")
		}
		time.Sleep(time.Millisecond)
	}

	// State accessors must answer while the probe is still blocked.
	answered := make(chan bool, 1)
	go func() { answered <- client.Connected() }()
	select {
	case connected := <-answered:
		if connected {
			t.Error("Expected connected false while the probe is in flight")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Connected blocked during an in-flight connect")
	}

	// A concurrent Connect is rejected instead of queueing on the lock.
	if err := client.Connect(context.Background()); err == nil {
		t.Error("Expected concurrent Connect to be rejected while one is in flight")
	}

	// Close must not wait out the probe either.
	closed := make(chan struct{})
	go func() {
		client.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Close blocked during an in-flight connect")
	}
}

func TestClient_ConnectMintsCorrelationID(t *testing.T) {
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ari/asterisk/info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ari/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Hold until the client closes its side.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)

	if client.CorrelationID() != "" {
		t.Error("Expected empty correlation id before first connect")
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := client.CorrelationID()
	if first == "" {
		t.Fatal("Expected a correlation id after connect")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	defer client.Close()

	if second := client.CorrelationID(); second == first {
		t.Errorf("Expected a fresh correlation id per connection, got %s twice", second)
	}
}
