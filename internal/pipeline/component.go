package pipeline

import (
	"context"
)

// Options carries per-adapter configuration: URLs, keys, model names.
type Options map[string]any

// String returns the string value for key, or "" when absent or not a
// string.
func (o Options) String(key string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// mergeOptions overlays opts on defaults; caller-supplied values win and
// empty default strings are dropped.
func mergeOptions(defaults, opts Options) Options {
	merged := make(Options, len(defaults)+len(opts))
	for k, v := range defaults {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		merged[k] = v
	}
	for k, v := range opts {
		merged[k] = v
	}
	return merged
}

// Health is the result of a connectivity probe. Failures are returned as
// data so operators can distinguish a bad credential from a dead service.
type Health struct {
	Healthy bool           `json:"healthy"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Component is the shared surface of every pipeline adapter: four optional
// lifecycle hooks plus the pre-flight connectivity check. Role-specific
// capability methods live on the STT, LLM, and TTS interfaces.
type Component interface {
	// ComponentKey identifies the adapter, e.g. "deepgram_stt" or
	// "local_tts". The prefix before the first underscore names the
	// provider and drives credential discovery.
	ComponentKey() string

	// Start warms up shared resources.
	Start(ctx context.Context) error
	// Stop releases shared resources.
	Stop(ctx context.Context) error
	// OpenCall prepares per-call state.
	OpenCall(ctx context.Context, callID string, opts Options) error
	// CloseCall releases per-call state.
	CloseCall(ctx context.Context, callID string) error

	// ValidateConnectivity probes the adapter's backing service before any
	// audio is routed to it.
	ValidateConnectivity(ctx context.Context, opts Options) Health
}

// STT transcribes buffered call audio.
type STT interface {
	Component
	Transcribe(ctx context.Context, callID string, audioPCM16 []byte, sampleRateHz int, opts Options) (string, error)
}

// LLM generates a reply from a transcript plus conversation context.
type LLM interface {
	Component
	Generate(ctx context.Context, callID, transcript string, convContext map[string]any, opts Options) (string, error)
}

// TTS synthesizes speech. The returned channel yields audio frames until
// synthesis completes and is then closed; it is finite and not
// restartable, so the caller drains it to exhaustion.
type TTS interface {
	Component
	Synthesize(ctx context.Context, callID, text string, opts Options) (<-chan []byte, error)
}

// Base provides no-op lifecycle hooks and delegates connectivity checks to
// a Prober, so adapters only implement what they need. Adapters embed Base
// and may swap Probe for a custom strategy without re-implementing the
// lifecycle plumbing.
type Base struct {
	Key   string
	Probe Prober
}

// NewBase creates a Base with the default connectivity probe.
func NewBase(key string) Base {
	return Base{Key: key, Probe: NewDefaultProber()}
}

func (b Base) ComponentKey() string { return b.Key }

func (b Base) Start(ctx context.Context) error { return nil }

func (b Base) Stop(ctx context.Context) error { return nil }

func (b Base) OpenCall(ctx context.Context, callID string, opts Options) error { return nil }

func (b Base) CloseCall(ctx context.Context, callID string) error { return nil }

func (b Base) ValidateConnectivity(ctx context.Context, opts Options) Health {
	if b.Probe == nil {
		return Health{Healthy: false, Error: "no connectivity probe configured"}
	}
	return b.Probe.Probe(ctx, b.Key, opts)
}
