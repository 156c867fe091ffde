package ari

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/ari-agent/internal/observability"
)

// Event is a single control-plane event from the ARI WebSocket stream.
// Raw holds the full JSON payload for handlers that need more than the type.
type Event struct {
	Type string
	Raw  []byte
}

// EventHandler receives dispatched events for a registered type.
type EventHandler func(evt Event)

// Config holds the connection parameters for one ARI client.
type Config struct {
	Username string
	Password string

	// BaseURL is the explicit ARI base URL. When empty the URL is built
	// from Scheme, Host, and Port.
	BaseURL string
	Scheme  string
	Host    string
	Port    int

	AppName string

	// TLSInsecure disables certificate and hostname verification for wss.
	TLSInsecure bool
	// TLSCAFile is an optional CA bundle loaded into the TLS config.
	TLSCAFile string

	// PingInterval and PingTimeout control WebSocket keepalive, in seconds.
	PingInterval float64
	PingTimeout  float64
}

// Client owns the process's single logical connection to the ARI control
// plane: an authenticated HTTP session plus the WebSocket event stream.
// Reconnection policy belongs to the caller; after a failed or dropped
// connection, Connect may simply be called again.
type Client struct {
	cfg     Config
	httpURL string
	wsURL   string

	logger zerolog.Logger

	mu            sync.Mutex
	httpClient    *http.Client
	conn          *websocket.Conn
	running       bool
	connected     bool
	connecting    bool
	correlationID string
	done          chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler
}

// NewClient validates the configuration and precomputes the HTTP and
// WebSocket URLs. Schemes other than http/https are rejected here, before
// any connection is attempted.
func NewClient(cfg Config) (*Client, error) {
	httpURL := BuildBaseURL(cfg.BaseURL, cfg.Scheme, cfg.Host, cfg.Port)

	u, err := url.Parse(httpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ARI base URL %q: %w", httpURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported ARI scheme %q (want http or https)", u.Scheme)
	}

	wsURL, err := deriveWSURL(httpURL, cfg.Username, cfg.Password, cfg.AppName)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:      cfg,
		httpURL:  httpURL,
		wsURL:    wsURL,
		logger:   observability.GetLogger().With().Str("component", "ari").Logger(),
		handlers: make(map[string][]EventHandler),
	}, nil
}

// HTTPURL returns the normalized ARI base URL.
func (c *Client) HTTPURL() string { return c.httpURL }

// WSURL returns the derived WebSocket event-stream URL.
func (c *Client) WSURL() string { return c.wsURL }

// Running reports whether the client considers itself active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Connected reports whether the event stream is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// CorrelationID returns the id scoping the current connection's log
// entries. Each successful Connect mints a fresh one; empty means the
// client has never connected.
func (c *Client) CorrelationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correlationID
}

// OnEvent registers a handler for an event type. Multiple handlers per type
// are invoked in registration order. Events with no registered handlers are
// dropped silently.
func (c *Client) OnEvent(eventType string, handler EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

// Connect probes the ARI HTTP endpoint with Basic auth, then opens the
// WebSocket event stream. Any failure fully unwinds: no handle is
// committed, running/connected end up false, and the error propagates for
// the caller to retry.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("ari client is already connected")
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("ari connect already in progress")
	}
	c.connecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return err
	}

	// Network I/O runs outside the lock so Running/Connected/Close stay
	// responsive during a slow connect. Nothing is committed to the
	// client until both legs are up.
	httpClient := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
		},
	}

	if err := c.probeHTTP(ctx, httpClient); err != nil {
		httpClient.CloseIdleConnections()
		return err
	}

	conn, err := c.dialWebSocket(ctx, tlsCfg)
	if err != nil {
		httpClient.CloseIdleConnections()
		return err
	}

	c.mu.Lock()
	c.httpClient = httpClient
	c.conn = conn
	c.running = true
	c.connected = true
	c.correlationID = observability.NewCorrelationID()
	c.done = make(chan struct{})
	corrID := c.correlationID

	go c.readLoop(conn, c.done)
	go c.pingLoop(conn, c.done)
	c.mu.Unlock()

	logger := observability.WithCorrelationID(corrID)
	logger.Info().
		Str("component", "ari").
		Str("ws_url", redactedWSURL(c.wsURL)).
		Msg("ARI event stream connected")
	return nil
}

// probeHTTP verifies ARI reachability and credentials via the system info
// endpoint before the event stream is opened.
func (c *Client) probeHTTP(ctx context.Context, httpClient *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL+"/asterisk/info", nil)
	if err != nil {
		return fmt.Errorf("failed to build ARI probe request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ARI HTTP probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ARI HTTP probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) dialWebSocket(ctx context.Context, tlsCfg *tls.Config) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.pingTimeout(),
		TLSClientConfig:  tlsCfg,
	}

	conn, resp, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ARI WebSocket connect failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ARI WebSocket connect failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
	})

	return conn, nil
}

// tlsConfig builds the TLS context for wss connections. The insecure flag
// disables certificate and hostname verification; a CA file, when set, is
// loaded into the root pool.
func (c *Client) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{}

	if c.cfg.TLSInsecure {
		cfg.InsecureSkipVerify = true
	}

	if c.cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(c.cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ARI CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from ARI CA file %s", c.cfg.TLSCAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func (c *Client) pingInterval() time.Duration {
	if c.cfg.PingInterval <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.cfg.PingInterval * float64(time.Second))
}

func (c *Client) pingTimeout() time.Duration {
	if c.cfg.PingTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.cfg.PingTimeout * float64(time.Second))
}

func (c *Client) readDeadline() time.Duration {
	return c.pingInterval() + c.pingTimeout()
}

// readLoop decodes events off the socket and dispatches them until the
// connection drops or Close is called.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.markDisconnected(conn)

	for {
		select {
		case <-done:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				c.logger.Warn().Err(err).Msg("ARI event stream read failed")
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
		c.dispatch(data)
	}
}

// pingLoop keeps the event stream alive at the configured interval.
func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.pingTimeout())
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug().Err(err).Msg("Dropping undecodable ARI event")
		return
	}
	if envelope.Type == "" {
		return
	}

	c.handlersMu.RLock()
	handlers := c.handlers[envelope.Type]
	c.handlersMu.RUnlock()

	evt := Event{Type: envelope.Type, Raw: data}
	for _, h := range handlers {
		h(evt)
	}
}

// markDisconnected flips the state booleans when the read loop exits for
// any reason, so a caller polling Connected or waiting on Done sees the
// drop.
func (c *Client) markDisconnected(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		if c.done != nil {
			close(c.done)
			c.done = nil
		}
		c.running = false
		c.connected = false
	}
}

// Done returns a channel closed when the current event stream ends. When
// the client is not connected the returned channel is already closed.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Close tears down the WebSocket and HTTP handles. It is safe to call when
// not connected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		close(c.done)
		c.done = nil
	}

	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}

	c.teardownLocked()
	return nil
}

// teardownLocked closes and clears both handles and resets the state
// booleans. Callers must hold c.mu.
func (c *Client) teardownLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
		c.httpClient = nil
	}
	c.running = false
	c.connected = false
}

// redactedWSURL hides the api_key credential pair when logging the URL.
func redactedWSURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "<unparseable>"
	}
	u.RawQuery = "api_key=<redacted>"
	return u.String()
}
