package ari

import (
	"fmt"
	"net/url"
	"strings"
)

// AudioFrameEventType is the event type subscribed to explicitly so the
// event stream carries per-channel audio frames.
const AudioFrameEventType = "ChannelAudioFrame"

// BuildBaseURL constructs the ARI base URL without hardcoding HTTP.
//
// Priority:
//  1. explicit base URL, if provided
//  2. {scheme}://{host}:{port}/ari
//
// The result has no trailing slash and ends in /ari exactly once. The
// scheme is trimmed and lower-cased; it defaults to http.
func BuildBaseURL(explicit, scheme, host string, port int) string {
	if explicit != "" {
		base := strings.TrimRight(strings.TrimSpace(explicit), "/")
		if !strings.HasSuffix(base, "/ari") {
			base += "/ari"
		}
		return base
	}

	s := strings.ToLower(strings.TrimSpace(scheme))
	if s == "" {
		s = "http"
	}
	return fmt.Sprintf("%s://%s:%d/ari", s, host, port)
}

// deriveWSURL swaps the HTTP scheme for its WebSocket counterpart, appends
// the /events path segment, and encodes the credentials, application name,
// and subscriptions as query parameters.
func deriveWSURL(baseURL, username, password, appName string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid ARI base URL %q: %w", baseURL, err)
	}

	var wsScheme string
	switch u.Scheme {
	case "http":
		wsScheme = "ws"
	case "https":
		wsScheme = "wss"
	default:
		return "", fmt.Errorf("unsupported ARI scheme %q (want http or https)", u.Scheme)
	}

	query := fmt.Sprintf(
		"api_key=%s:%s&app=%s&subscribeAll=true&subscribe=%s",
		username, password, escapeAppName(appName), AudioFrameEventType,
	)

	return fmt.Sprintf("%s://%s%s/events?%s", wsScheme, u.Host, u.Path, query), nil
}

// escapeAppName percent-encodes the application name, using %20 for spaces
// as Asterisk expects rather than the form-encoding plus sign.
func escapeAppName(app string) string {
	return strings.ReplaceAll(url.QueryEscape(app), "+", "%20")
}
