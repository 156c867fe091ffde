package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/ari-agent/internal/ari"
	"github.com/lexiqai/ari-agent/internal/audio"
	"github.com/lexiqai/ari-agent/internal/config"
	"github.com/lexiqai/ari-agent/internal/conversation"
	"github.com/lexiqai/ari-agent/internal/observability"
	"github.com/lexiqai/ari-agent/internal/pipeline"
	"github.com/lexiqai/ari-agent/internal/resilience"
	"github.com/lexiqai/ari-agent/internal/session"
	"github.com/lexiqai/ari-agent/internal/vad"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("app_name", cfg.ARIAppName).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("ARI voice agent starting")

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store := session.NewMemoryStore()
	coordinator := conversation.NewCoordinator(store, metrics)

	engine := vad.NewEngine(vad.Config{
		EnergyThreshold:     cfg.VADEnergyThreshold,
		AdaptiveEnabled:     cfg.VADAdaptiveEnabled,
		NoiseAdaptationRate: cfg.VADNoiseAdaptation,
		MinSpeechFrames:     cfg.VADMinSpeechFrames,
		MaxSilenceFrames:    cfg.VADMaxSilenceFrames,
	}, nil, metrics)

	client, err := ari.NewClient(ari.Config{
		Username:     cfg.ARIUsername,
		Password:     cfg.ARIPassword,
		BaseURL:      cfg.ARIBaseURL,
		Scheme:       cfg.ARIScheme,
		Host:         cfg.ARIHost,
		Port:         cfg.ARIPort,
		AppName:      cfg.ARIAppName,
		TLSInsecure:  cfg.ARITLSInsecure,
		TLSCAFile:    cfg.ARITLSCAFile,
		PingInterval: cfg.ARIWSPingInterval,
		PingTimeout:  cfg.ARIWSPingTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid ARI configuration")
	}

	fallbackDelay := time.Duration(cfg.CaptureFallbackSeconds * float64(time.Second))
	registerHandlers(client, store, coordinator, engine, fallbackDelay)

	// Pipeline components: created eagerly so readiness can run their
	// connectivity probes. Missing keys surface as unhealthy probes, not
	// startup failures.
	components := buildComponents(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Control-plane connection with reconnection policy around it. The
	// client itself only knows how to connect once; this loop re-dials
	// with backoff after every drop.
	go func() {
		reconnectCfg := resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		}
		for {
			err := resilience.Reconnect(ctx, "ari", func(ctx context.Context) error {
				return client.Connect(ctx)
			}, reconnectCfg)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error().Err(err).Msg("ARI connection loop terminated")
				}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				logger.Warn().Msg("ARI event stream dropped, reconnecting")
			}
		}
	}()

	// Create HTTP server
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness: ARI stream up plus per-component connectivity probes
	checks := map[string]observability.DependencyCheck{
		"ari": func(ctx context.Context) (bool, string) {
			if !client.Connected() {
				return false, "ARI event stream not connected"
			}
			return true, ""
		},
	}
	for _, component := range components {
		component := component
		checks[component.ComponentKey()] = func(ctx context.Context) (bool, string) {
			health := component.ValidateConnectivity(ctx, nil)
			return health.Healthy, health.Error
		}
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Conversation summary endpoint
	mux.HandleFunc("/summary", observability.SummaryHandler(func(ctx context.Context) (any, error) {
		summary, err := coordinator.GetSummary(ctx)
		if err != nil {
			return nil, err
		}
		return summary, nil
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	cancel()

	if err := client.Close(); err != nil {
		logger.Warn().Err(err).Msg("ARI client close failed")
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// registerHandlers wires the ARI event stream into the call lifecycle,
// playback gating, and the VAD pipeline.
func registerHandlers(client *ari.Client, store session.Store, coordinator *conversation.Coordinator, engine *vad.Engine, fallbackDelay time.Duration) {
	logger := observability.GetLogger()

	client.OnEvent("StasisStart", func(evt ari.Event) {
		payload, err := ari.DecodeStasis(evt)
		if err != nil {
			logger.Warn().Err(err).Msg("Bad StasisStart payload")
			return
		}
		callID := payload.Channel.ID
		ctx := context.Background()

		callLogger := observability.WithCallID(callID)
		sess := session.NewCallSession(callID)
		if err := store.UpsertCall(ctx, sess); err != nil {
			callLogger.Error().Err(err).Msg("Failed to create session")
			return
		}
		coordinator.RegisterCall(ctx, sess)
		callLogger.Info().Msg("Call entered application")
	})

	client.OnEvent("StasisEnd", func(evt ari.Event) {
		payload, err := ari.DecodeStasis(evt)
		if err != nil {
			logger.Warn().Err(err).Msg("Bad StasisEnd payload")
			return
		}
		callID := payload.Channel.ID
		ctx := context.Background()

		callLogger := observability.WithCallID(callID)
		coordinator.UnregisterCall(ctx, callID)
		engine.Reset(callID)
		if err := store.Remove(ctx, callID); err != nil {
			callLogger.Warn().Err(err).Msg("Session removal failed")
		}
		callLogger.Info().Msg("Call left application")
	})

	client.OnEvent(ari.AudioFrameEventType, func(evt ari.Event) {
		callID, mulaw, err := ari.DecodeAudioFrame(evt)
		if err != nil {
			logger.Debug().Err(err).Msg("Bad audio frame payload")
			return
		}
		ctx := context.Background()

		sess, err := store.GetByCallID(ctx, callID)
		if err != nil || sess == nil {
			return
		}

		pcm := audio.DecodeMuLaw(mulaw)
		result := engine.ProcessFrame(callID, pcm)

		if result.IsSpeech && sess.TTSPlaying {
			coordinator.NoteAudioDuringTTS(callID)
		}
	})

	client.OnEvent("PlaybackStarted", func(evt ari.Event) {
		payload, err := ari.DecodePlayback(evt)
		if err != nil {
			logger.Warn().Err(err).Msg("Bad PlaybackStarted payload")
			return
		}
		callID := ari.ChannelIDFromPlayback(payload.Playback)
		if callID == "" {
			return
		}
		ctx := context.Background()

		if coordinator.OnTTSStart(ctx, callID, payload.Playback.ID) {
			coordinator.ScheduleCaptureFallback(ctx, callID, fallbackDelay)
		}
	})

	client.OnEvent("PlaybackFinished", func(evt ari.Event) {
		payload, err := ari.DecodePlayback(evt)
		if err != nil {
			logger.Warn().Err(err).Msg("Bad PlaybackFinished payload")
			return
		}
		callID := ari.ChannelIDFromPlayback(payload.Playback)
		if callID == "" {
			return
		}
		ctx := context.Background()
		if coordinator.OnTTSEnd(ctx, callID, payload.Playback.ID, conversation.ReasonPlaybackFinished) {
			// The agent finished speaking; the caller has the floor.
			coordinator.UpdateConversationState(ctx, callID, session.StateListening)
		}
	})
}

// buildComponents constructs every pipeline adapter. Adapters without
// credentials still appear so readiness reports them as unhealthy rather
// than silently absent.
func buildComponents(cfg *config.Config) []pipeline.Component {
	var components []pipeline.Component
	components = append(components, pipeline.NewDeepgramSTT(cfg.DeepgramAPIKey, cfg.DeepgramModel, cfg.DeepgramLanguage))
	components = append(components, pipeline.NewOpenAILLM(cfg.OpenAIAPIKey, cfg.OpenAIModel))
	components = append(components, pipeline.NewCartesiaTTS(cfg.CartesiaAPIKey, cfg.CartesiaVoiceID, cfg.CartesiaModelID))
	return components
}
