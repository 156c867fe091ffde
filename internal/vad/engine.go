package vad

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/ari-agent/internal/audio"
	"github.com/lexiqai/ari-agent/internal/observability"
)

// frameBytes is one 20ms frame of 8kHz mono PCM16. Shorter frames are
// zero-padded up to this size before analysis.
const frameBytes = 320

// SpeechDetector is an optional secondary classifier consulted alongside
// the energy check, typically a fixed-aggressiveness codec-style analyzer.
// A nil detector, or one that returns an error, simply casts no vote.
type SpeechDetector interface {
	IsSpeech(pcm16 []byte, sampleRateHz int) (bool, error)
}

// Result is the per-frame classification produced by the engine. It is
// created fresh for every frame and never persisted.
type Result struct {
	IsSpeech        bool
	Confidence      float64
	EnergyLevel     int
	DetectorResult  bool
	FrameDurationMs int
}

// Config holds the engine's stateless tuning parameters.
type Config struct {
	// EnergyThreshold is the static RMS threshold, and the base for the
	// adaptive estimator.
	EnergyThreshold int

	// AdaptiveEnabled switches the active threshold to the per-call
	// estimator's output.
	AdaptiveEnabled bool

	// NoiseAdaptationRate is the exponential smoothing factor applied when
	// the estimator chases its target threshold.
	NoiseAdaptationRate float64

	// MinSpeechFrames consecutive raw-speech frames flip the smoothed state
	// to speech; MaxSilenceFrames consecutive raw-silence frames flip it
	// back. Both are clamped to at least 1.
	MinSpeechFrames  int
	MaxSilenceFrames int
}

// DefaultConfig returns the tuning used for 8kHz telephony audio.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold:     1500,
		AdaptiveEnabled:     false,
		NoiseAdaptationRate: 0.1,
		MinSpeechFrames:     2,
		MaxSilenceFrames:    15,
	}
}

// callState carries the hysteresis counters and the adaptive estimator for
// one call. State is never shared across calls; a single engine instance
// safely serves concurrent calls.
type callState struct {
	speechFrames  int
	silenceFrames int
	speaking      bool
	adaptive      *AdaptiveThreshold
}

// Engine classifies audio frames as speech or silence per call. The engine
// itself holds only configuration and the algorithm; all mutable state
// lives in per-call records keyed by call id.
type Engine struct {
	cfg      Config
	detector SpeechDetector
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu    sync.Mutex
	calls map[string]*callState
}

// NewEngine creates a VAD engine. detector and metrics may be nil.
func NewEngine(cfg Config, detector SpeechDetector, metrics *observability.Metrics) *Engine {
	if cfg.MinSpeechFrames < 1 {
		cfg.MinSpeechFrames = 1
	}
	if cfg.MaxSilenceFrames < 1 {
		cfg.MaxSilenceFrames = 1
	}
	return &Engine{
		cfg:      cfg,
		detector: detector,
		metrics:  metrics,
		logger:   observability.GetLogger().With().Str("component", "vad").Logger(),
		calls:    make(map[string]*callState),
	}
}

// ProcessFrame classifies one nominal 20ms PCM16 frame for callID.
func (e *Engine) ProcessFrame(callID string, pcm16 []byte) Result {
	if len(pcm16) < frameBytes {
		padded := make([]byte, frameBytes)
		copy(padded, pcm16)
		pcm16 = padded
	}

	energy := audio.RMS(pcm16)

	detectorResult := false
	if e.detector != nil {
		vote, err := e.detector.IsSpeech(pcm16, 8000)
		if err != nil {
			// Detector trouble is never fatal to the frame path.
			e.logger.Debug().Err(err).Str("call_id", callID).Msg("Secondary VAD detector error")
		} else {
			detectorResult = vote
		}
	}

	e.mu.Lock()
	state := e.stateLocked(callID)

	threshold := e.cfg.EnergyThreshold
	if e.cfg.AdaptiveEnabled {
		threshold = state.adaptive.Threshold()
	}
	energyResult := energy >= threshold
	rawSpeech := detectorResult || energyResult

	if e.cfg.AdaptiveEnabled {
		state.adaptive.Update(energy, rawSpeech)
	}

	smoothed := e.smoothLocked(state, rawSpeech)
	e.mu.Unlock()

	confidence := calcConfidence(detectorResult, energyResult, energy, threshold)

	result := Result{
		IsSpeech:        smoothed,
		Confidence:      confidence,
		EnergyLevel:     energy,
		DetectorResult:  detectorResult,
		FrameDurationMs: 20,
	}

	if e.metrics != nil {
		e.metrics.ObserveVADFrame(callID, result.IsSpeech, result.Confidence, threshold)
	}

	return result
}

// IsSpeaking reports the smoothed state for a call without processing a
// frame. Unknown calls are not speaking.
func (e *Engine) IsSpeaking(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.calls[callID]; ok {
		return state.speaking
	}
	return false
}

// Reset drops the hysteresis counters and the estimator buffer for a call.
func (e *Engine) Reset(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.calls, callID)
}

func (e *Engine) stateLocked(callID string) *callState {
	state, ok := e.calls[callID]
	if !ok {
		state = &callState{
			adaptive: NewAdaptiveThreshold(e.cfg.EnergyThreshold, e.cfg.NoiseAdaptationRate, 100),
		}
		e.calls[callID] = state
	}
	return state
}

// smoothLocked applies the hysteresis counters and returns the emitted
// verdict. Callers must hold e.mu.
func (e *Engine) smoothLocked(state *callState, rawSpeech bool) bool {
	if rawSpeech {
		state.speechFrames++
		state.silenceFrames = 0
		if !state.speaking && state.speechFrames >= e.cfg.MinSpeechFrames {
			state.speaking = true
		}
	} else {
		state.silenceFrames++
		state.speechFrames = 0
		if state.speaking && state.silenceFrames >= e.cfg.MaxSilenceFrames {
			state.speaking = false
		}
	}
	return state.speaking
}

// calcConfidence blends the two independent signals: 0.4 for a detector
// vote, up to 0.4 for energy above threshold (capped at 3x), and 0.2 when
// the signals agree.
func calcConfidence(detectorResult, energyResult bool, energy, threshold int) float64 {
	confidence := 0.0
	if detectorResult {
		confidence += 0.4
	}
	if energyResult {
		divisor := threshold
		if divisor < 1 {
			divisor = 1
		}
		ratio := float64(energy) / float64(divisor)
		if ratio > 3.0 {
			ratio = 3.0
		}
		confidence += 0.4 * (ratio / 3.0)
	}
	if detectorResult == energyResult {
		confidence += 0.2
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}
