package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the ARI voice agent
type Config struct {
	// HTTP server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// ARI control-plane configuration. ARI_BASE_URL wins over the
	// scheme/host/port triple when both are supplied.
	ARIUsername string `envconfig:"ARI_USERNAME" required:"true"`
	ARIPassword string `envconfig:"ARI_PASSWORD" required:"true"`
	ARIBaseURL  string `envconfig:"ARI_BASE_URL" default:""`
	ARIScheme   string `envconfig:"ARI_SCHEME" default:"http"`
	ARIHost     string `envconfig:"ARI_HOST" default:"127.0.0.1"`
	ARIPort     int    `envconfig:"ARI_PORT" default:"8088"`
	ARIAppName  string `envconfig:"ARI_APP_NAME" default:"voice-agent"`

	// ARI TLS and WebSocket keepalive
	ARITLSInsecure    bool    `envconfig:"ARI_TLS_INSECURE" default:"false"`
	ARITLSCAFile      string  `envconfig:"ARI_TLS_CA_FILE" default:""`
	ARIWSPingInterval float64 `envconfig:"ARI_WS_PING_INTERVAL" default:"15"` // seconds
	ARIWSPingTimeout  float64 `envconfig:"ARI_WS_PING_TIMEOUT" default:"10"`  // seconds

	// ARI reconnection (owned by the engine loop, not the client)
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"0"`    // 0 = retry forever
	ReconnectBackoff     int `envconfig:"RECONNECT_BACKOFF" default:"1000"`      // milliseconds

	// VAD configuration
	VADEnergyThreshold    int     `envconfig:"VAD_ENERGY_THRESHOLD" default:"1500"`   // RMS threshold / adaptive base
	VADAdaptiveEnabled    bool    `envconfig:"VAD_ADAPTIVE_ENABLED" default:"false"`  // Use the adaptive estimator
	VADNoiseAdaptation    float64 `envconfig:"VAD_NOISE_ADAPTATION_RATE" default:"0.1"`
	VADMinSpeechFrames    int     `envconfig:"VAD_MIN_SPEECH_FRAMES" default:"2"`     // Frames to flip silence->speech
	VADMaxSilenceFrames   int     `envconfig:"VAD_MAX_SILENCE_FRAMES" default:"15"`   // Frames to flip speech->silence

	// Conversation gating
	CaptureFallbackSeconds float64 `envconfig:"CAPTURE_FALLBACK_SECONDS" default:"10"` // Safety net against lost TTS-end

	// Pipeline provider credentials (optional; adapters without keys fail
	// their pre-flight connectivity check instead of crashing the agent)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIModel      string `envconfig:"OPENAI_MODEL" default:""`
	CartesiaAPIKey   string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID  string `envconfig:"CARTESIA_VOICE_ID" default:""`
	CartesiaModelID  string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables, first loading a
// .env file if one exists
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.ARIUsername == "" || cfg.ARIPassword == "" {
		return nil, fmt.Errorf("ARI_USERNAME and ARI_PASSWORD are required")
	}

	return &cfg, nil
}
