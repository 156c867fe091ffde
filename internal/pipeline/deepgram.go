package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/ari-agent/internal/observability"
	"github.com/lexiqai/ari-agent/internal/resilience"
)

// transcriptCallbackHandler implements the Deepgram LiveMessageCallback
// interface by embedding the default handler and overriding only Message
// and Error.
type transcriptCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse) error
}

func (h *transcriptCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	h.onMessage(msg)
	return nil
}

func (h *transcriptCallbackHandler) Error(errResp *msginterfaces.ErrorResponse) error {
	if h.onError != nil {
		return h.onError(errResp)
	}
	return h.DefaultCallbackHandler.Error(errResp)
}

// deepgramSession is one live streaming transcription per call.
type deepgramSession struct {
	client *listenClient.WSCallback
	finals chan string
	cancel context.CancelFunc
}

// DeepgramSTT streams call audio to Deepgram and collects final
// transcripts. One streaming session is held per open call.
type DeepgramSTT struct {
	Base

	apiKey   string
	model    string
	language string
	breaker  *resilience.Breaker
	logger   zerolog.Logger

	mu    sync.Mutex
	calls map[string]*deepgramSession
}

// NewDeepgramSTT creates the Deepgram adapter. model and language may be
// empty to use nova-2 / en.
func NewDeepgramSTT(apiKey, model, language string) *DeepgramSTT {
	if model == "" {
		model = "nova-2"
	}
	if language == "" {
		language = "en"
	}
	return &DeepgramSTT{
		Base:     NewBase("deepgram_stt"),
		apiKey:   apiKey,
		model:    model,
		language: language,
		breaker:  resilience.NewBreaker(5, 30*time.Second),
		logger:   observability.GetLogger().With().Str("component", "deepgram_stt").Logger(),
		calls:    make(map[string]*deepgramSession),
	}
}

// ValidateConnectivity probes the Deepgram API, defaulting to the public
// endpoint and the adapter's configured key.
func (d *DeepgramSTT) ValidateConnectivity(ctx context.Context, opts Options) Health {
	defaults := Options{"base_url": "https://api.deepgram.com", "api_key": d.apiKey}
	return d.Base.ValidateConnectivity(ctx, mergeOptions(defaults, opts))
}

// OpenCall starts a streaming transcription session for the call.
func (d *DeepgramSTT) OpenCall(ctx context.Context, callID string, opts Options) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.calls[callID]; ok {
		return fmt.Errorf("deepgram session already open for call %s", callID)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	finals := make(chan string, 16)

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       d.language,
		Punctuate:      true,
		InterimResults: false,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     8000,
	}

	callback := &transcriptCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage: func(msg *msginterfaces.MessageResponse) {
			d.handleMessage(callID, finals, msg)
		},
		onError: func(errResp *msginterfaces.ErrorResponse) error {
			d.logger.Warn().Str("call_id", callID).Interface("error", errResp).Msg("Deepgram stream error")
			d.breaker.Record(false)
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(sessCtx, d.apiKey, nil, tOptions, callback)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	d.calls[callID] = &deepgramSession{client: client, finals: finals, cancel: cancel}
	d.breaker.Record(true)
	d.logger.Info().Str("call_id", callID).Str("model", d.model).Msg("Deepgram session opened")
	return nil
}

// CloseCall finishes and discards the call's streaming session.
func (d *DeepgramSTT) CloseCall(ctx context.Context, callID string) error {
	d.mu.Lock()
	sess, ok := d.calls[callID]
	delete(d.calls, callID)
	d.mu.Unlock()

	if !ok {
		return nil
	}

	sess.client.Finish()
	sess.cancel()
	return nil
}

// Transcribe sends one PCM16 buffer into the call's streaming session and
// waits for the next final transcript.
func (d *DeepgramSTT) Transcribe(ctx context.Context, callID string, audioPCM16 []byte, sampleRateHz int, opts Options) (string, error) {
	d.mu.Lock()
	sess, ok := d.calls[callID]
	d.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("no deepgram session open for call %s", callID)
	}

	err := d.breaker.Call(func() error {
		if _, err := sess.client.Write(audioPCM16); err != nil {
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	select {
	case transcript := <-sess.finals:
		return transcript, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *DeepgramSTT) handleMessage(callID string, finals chan string, msg *msginterfaces.MessageResponse) {
	if msg == nil || !msg.IsFinal {
		return
	}
	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	transcript := msg.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return
	}

	select {
	case finals <- transcript:
	default:
		d.logger.Warn().Str("call_id", callID).Msg("Transcript buffer full, dropping final")
	}
}
