package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Prober is the connectivity-check strategy consulted by Base. Adapters
// that need custom validation supply their own implementation.
type Prober interface {
	Probe(ctx context.Context, componentKey string, opts Options) Health
}

// localKeyPrefix marks adapters that talk to in-process or LAN services and
// therefore need no credentials.
const localKeyPrefix = "local_"

// urlOptionKeys are the option names checked, in order, when resolving an
// adapter's base URL.
var urlOptionKeys = []string{"base_url", "ws_url", "url", "endpoint"}

// DefaultProber implements the generic pre-flight check: resolve a base
// URL from the options, discover credentials from the environment, then
// run a protocol-aware reachability probe.
type DefaultProber struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// NewDefaultProber returns a prober with a 5 second probe timeout.
func NewDefaultProber() *DefaultProber {
	timeout := 5 * time.Second
	return &DefaultProber{
		Timeout:    timeout,
		HTTPClient: &http.Client{Timeout: timeout},
		Dialer:     &websocket.Dialer{HandshakeTimeout: timeout},
	}
}

// Probe runs the default connectivity validation for componentKey.
func (p *DefaultProber) Probe(ctx context.Context, componentKey string, opts Options) Health {
	baseURL := extractBaseURL(opts)

	// Local adapters without an explicit URL default to the local pipeline
	// server endpoint.
	if baseURL == "" && strings.HasPrefix(componentKey, localKeyPrefix) {
		baseURL = "ws://127.0.0.1:8765/ws"
	}
	if baseURL == "" {
		return Health{
			Healthy: false,
			Error:   "no base_url/ws_url configured in options",
			Details: map[string]any{"checked_keys": urlOptionKeys},
		}
	}

	apiKey := detectCredentials(componentKey, opts)
	if !strings.HasPrefix(componentKey, localKeyPrefix) && apiKey == "" {
		prefix := providerPrefix(componentKey)
		return Health{
			Healthy: false,
			Error:   fmt.Sprintf("no API credentials found (checked %s_API_KEY env var)", prefix),
			Details: map[string]any{"component": componentKey},
		}
	}

	switch {
	case strings.HasPrefix(baseURL, "ws://"), strings.HasPrefix(baseURL, "wss://"):
		return p.probeWebSocket(ctx, baseURL, apiKey)
	case strings.HasPrefix(baseURL, "http://"), strings.HasPrefix(baseURL, "https://"):
		return p.probeHTTP(ctx, baseURL, apiKey)
	default:
		return Health{
			Healthy: false,
			Error:   fmt.Sprintf("unknown protocol in URL: %s", baseURL),
			Details: map[string]any{"url": baseURL},
		}
	}
}

// extractBaseURL resolves the adapter's endpoint from the recognized
// option keys.
func extractBaseURL(opts Options) string {
	for _, key := range urlOptionKeys {
		if v := opts.String(key); v != "" {
			return v
		}
	}
	return ""
}

// detectCredentials finds an API key in the options or derives an
// environment-variable name from the component key's provider prefix.
// Local components need no credentials; a configured Google service
// account counts as a credential.
func detectCredentials(componentKey string, opts Options) string {
	if v := opts.String("api_key"); v != "" {
		return v
	}
	if componentKey == "" {
		return ""
	}

	prefix := providerPrefix(componentKey)
	if prefix == "LOCAL" {
		return ""
	}

	for _, suffix := range []string{"_API_KEY", "_KEY"} {
		if v := os.Getenv(prefix + suffix); v != "" {
			return v
		}
	}

	if prefix == "GOOGLE" && os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "" {
		return "service_account"
	}

	return ""
}

func providerPrefix(componentKey string) string {
	return strings.ToUpper(strings.SplitN(componentKey, "_", 2)[0])
}

// authHeader picks the provider's auth scheme by matching the host.
func authHeader(url, apiKey string) (string, string) {
	switch {
	case strings.Contains(url, "deepgram.com"):
		return "Authorization", "Token " + apiKey
	default:
		return "Authorization", "Bearer " + apiKey
	}
}

// probeWebSocket opens and immediately closes a WebSocket, classifying
// failures into distinct diagnostics.
func (p *DefaultProber) probeWebSocket(ctx context.Context, url, apiKey string) Health {
	headers := http.Header{}
	if apiKey != "" && apiKey != "service_account" {
		name, value := authHeader(url, apiKey)
		headers.Set(name, value)
		if strings.Contains(url, "openai.com") {
			headers.Set("OpenAI-Beta", "realtime=v1")
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, resp, err := p.Dialer.DialContext(dialCtx, url, headers)
	if err == nil {
		conn.Close()
		return Health{
			Healthy: true,
			Details: map[string]any{"endpoint": url, "protocol": "websocket"},
		}
	}

	details := map[string]any{"endpoint": url, "exception": err.Error()}
	if resp != nil {
		details["status"] = resp.StatusCode
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return Health{Healthy: false, Error: fmt.Sprintf("Connection timeout after %s", p.Timeout), Details: details}
	case resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden):
		return Health{Healthy: false, Error: "Invalid API key", Details: details}
	case resp != nil && resp.StatusCode == http.StatusBadRequest:
		return Health{Healthy: false, Error: fmt.Sprintf("Invalid request parameters: %v", err), Details: details}
	case isConnectionRefused(err):
		return Health{Healthy: false, Error: "Connection refused - service not running", Details: details}
	default:
		return Health{Healthy: false, Error: fmt.Sprintf("Connection failed: %v", err), Details: details}
	}
}

// probeHTTP performs a GET against the provider's well-known sub-path with
// the matching auth scheme, classifying HTTP statuses into distinct
// diagnostics. A 429 proves the credential is valid and reports healthy.
func (p *DefaultProber) probeHTTP(ctx context.Context, url, apiKey string) Health {
	endpoint := wellKnownEndpoint(url)

	reqCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Health{
			Healthy: false,
			Error:   fmt.Sprintf("Connection failed: %v", err),
			Details: map[string]any{"endpoint": endpoint},
		}
	}
	if apiKey != "" && apiKey != "service_account" {
		name, value := authHeader(url, apiKey)
		req.Header.Set(name, value)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		details := map[string]any{"endpoint": endpoint, "exception": err.Error()}
		switch {
		case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
			return Health{Healthy: false, Error: fmt.Sprintf("Connection timeout after %s", p.Timeout), Details: details}
		case isConnectionRefused(err):
			return Health{Healthy: false, Error: "Connection refused - service not running", Details: details}
		default:
			return Health{Healthy: false, Error: fmt.Sprintf("Connection failed: %v", err), Details: details}
		}
	}
	defer resp.Body.Close()

	details := map[string]any{"status": resp.StatusCode, "endpoint": endpoint}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Health{Healthy: false, Error: "Invalid API key", Details: details}
	case resp.StatusCode == http.StatusForbidden:
		return Health{Healthy: false, Error: "API key lacks required permissions", Details: details}
	case resp.StatusCode == http.StatusTooManyRequests:
		details["note"] = "Rate limited but API key valid"
		return Health{Healthy: true, Details: details}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		details["response"] = string(body)
		return Health{Healthy: false, Error: fmt.Sprintf("API error: HTTP %d", resp.StatusCode), Details: details}
	default:
		details["protocol"] = "https"
		return Health{Healthy: true, Details: details}
	}
}

// wellKnownEndpoint appends the provider's lightweight listing path, good
// for validating a credential without side effects.
func wellKnownEndpoint(url string) string {
	trimmed := strings.TrimRight(url, "/")
	switch {
	case strings.Contains(url, "openai.com/v1") && !strings.HasSuffix(trimmed, "/models"):
		return trimmed + "/models"
	case strings.Contains(url, "deepgram.com") && !strings.HasSuffix(trimmed, "/projects"):
		return trimmed + "/v1/projects"
	case strings.Contains(url, "generativelanguage.googleapis.com"):
		return trimmed + "/models"
	default:
		return url
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func isConnectionRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}
