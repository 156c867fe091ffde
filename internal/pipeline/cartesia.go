package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/lexiqai/ari-agent/internal/audio"
	"github.com/lexiqai/ari-agent/internal/observability"
)

const cartesiaAPIURL = "https://api.cartesia.ai/v1/tts"

// cartesiaRequest is the synthesis request payload.
type cartesiaRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voice_id"`
	ModelID      string `json:"model_id,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
}

// CartesiaTTS synthesizes replies with Cartesia's TTS API and emits mu-law
// frames at 8kHz, ready for the telephony leg. One synthesis runs at a
// time per call.
type CartesiaTTS struct {
	Base

	apiKey     string
	apiURL     string
	voiceID    string
	modelID    string
	httpClient *http.Client
	logger     zerolog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewCartesiaTTS creates the Cartesia adapter. An empty model selects sonic.
func NewCartesiaTTS(apiKey, voiceID, modelID string) *CartesiaTTS {
	if modelID == "" {
		modelID = "sonic"
	}
	return &CartesiaTTS{
		Base:       NewBase("cartesia_tts"),
		apiKey:     apiKey,
		apiURL:     cartesiaAPIURL,
		voiceID:    voiceID,
		modelID:    modelID,
		httpClient: &http.Client{},
		logger:     observability.GetLogger().With().Str("component", "cartesia_tts").Logger(),
		active:     make(map[string]bool),
	}
}

// ValidateConnectivity probes the Cartesia API, defaulting to the public
// endpoint and the adapter's configured key.
func (c *CartesiaTTS) ValidateConnectivity(ctx context.Context, opts Options) Health {
	defaults := Options{"base_url": "https://api.cartesia.ai", "api_key": c.apiKey}
	return c.Base.ValidateConnectivity(ctx, mergeOptions(defaults, opts))
}

// CloseCall clears the per-call synthesis marker.
func (c *CartesiaTTS) CloseCall(ctx context.Context, callID string) error {
	c.mu.Lock()
	delete(c.active, callID)
	c.mu.Unlock()
	return nil
}

// Synthesize converts text to speech. Cartesia returns 24kHz linear PCM;
// the stream is downsampled to 8kHz and mu-law encoded before it is
// yielded. The channel is closed when synthesis completes.
func (c *CartesiaTTS) Synthesize(ctx context.Context, callID, text string, opts Options) (<-chan []byte, error) {
	c.mu.Lock()
	if c.active[callID] {
		c.mu.Unlock()
		return nil, fmt.Errorf("synthesis already running for call %s", callID)
	}
	c.active[callID] = true
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.active, callID)
		c.mu.Unlock()
	}

	voiceID := c.voiceID
	if v := opts.String("voice_id"); v != "" {
		voiceID = v
	}

	payload, err := sonic.Marshal(cartesiaRequest{
		Text:         text,
		VoiceID:      voiceID,
		ModelID:      c.modelID,
		OutputFormat: "pcm",
		SampleRate:   24000,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		release()
		return nil, fmt.Errorf("cartesia request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		release()
		return nil, fmt.Errorf("cartesia API returned status %d", resp.StatusCode)
	}

	frames := make(chan []byte, 10)
	go func() {
		defer func() {
			resp.Body.Close()
			close(frames)
			release()
		}()

		pcm, err := io.ReadAll(resp.Body)
		if err != nil {
			c.logger.Warn().Str("call_id", callID).Err(err).Msg("Reading synthesis response failed")
			return
		}
		if len(pcm) == 0 {
			c.logger.Warn().Str("call_id", callID).Msg("Cartesia returned empty audio")
			return
		}

		mulaw := audio.EncodeMuLaw(audio.Downsample(pcm, 24000, 8000))

		select {
		case frames <- mulaw:
			c.logger.Debug().Str("call_id", callID).Int("bytes", len(mulaw)).Msg("Synthesis complete")
		case <-ctx.Done():
		}
	}()

	return frames, nil
}
