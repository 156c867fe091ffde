package vad

import (
	"errors"
	"math"
	"testing"

	"github.com/lexiqai/ari-agent/internal/audio"
)

// stubDetector votes a fixed verdict, or errors.
type stubDetector struct {
	vote bool
	err  error
}

func (s *stubDetector) IsSpeech(pcm16 []byte, sampleRateHz int) (bool, error) {
	return s.vote, s.err
}

func pcmFrame(amplitude int16) []byte {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.SamplesToBytes(samples)
}

func TestEngine_Hysteresis_SpeechStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnergyThreshold = 500
	cfg.MinSpeechFrames = 2
	engine := NewEngine(cfg, nil, nil)

	loud := pcmFrame(5000)

	// A single raw-speech frame must not flip the smoothed state.
	res := engine.ProcessFrame("call-1", loud)
	if res.IsSpeech {
		t.Error("Expected smoothed state to stay silence after one speech frame")
	}

	// The second consecutive frame does.
	res = engine.ProcessFrame("call-1", loud)
	if !res.IsSpeech {
		t.Error("Expected smoothed state speech after two consecutive speech frames")
	}
}

func TestEngine_Hysteresis_SpeechEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnergyThreshold = 500
	cfg.MinSpeechFrames = 1
	cfg.MaxSilenceFrames = 3
	engine := NewEngine(cfg, nil, nil)

	loud := pcmFrame(5000)
	quiet := pcmFrame(10)

	engine.ProcessFrame("call-1", loud)
	if !engine.IsSpeaking("call-1") {
		t.Fatal("Expected speaking after speech frame")
	}

	// Two silence frames are not enough to flip back.
	engine.ProcessFrame("call-1", quiet)
	res := engine.ProcessFrame("call-1", quiet)
	if !res.IsSpeech {
		t.Error("Expected speech state to persist through short silence")
	}

	res = engine.ProcessFrame("call-1", quiet)
	if res.IsSpeech {
		t.Error("Expected silence after max consecutive silence frames")
	}
}

func TestEngine_PerCallIsolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnergyThreshold = 500
	cfg.MinSpeechFrames = 2
	engine := NewEngine(cfg, nil, nil)

	loud := pcmFrame(5000)

	// One frame on each call: neither may flip, and call-b's counter must
	// not complete call-a's streak.
	engine.ProcessFrame("call-a", loud)
	res := engine.ProcessFrame("call-b", loud)
	if res.IsSpeech {
		t.Error("Expected call-b to track its own hysteresis counters")
	}

	res = engine.ProcessFrame("call-a", loud)
	if !res.IsSpeech {
		t.Error("Expected call-a to flip after its own second frame")
	}
	if engine.IsSpeaking("call-b") {
		t.Error("Expected call-b to remain silent")
	}
}

func TestEngine_DetectorVote(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnergyThreshold = 500
	cfg.MinSpeechFrames = 1
	engine := NewEngine(cfg, &stubDetector{vote: true}, nil)

	// Quiet audio, but the secondary detector votes speech.
	res := engine.ProcessFrame("call-1", pcmFrame(10))
	if !res.IsSpeech {
		t.Error("Expected detector vote alone to produce raw speech")
	}
	if !res.DetectorResult {
		t.Error("Expected DetectorResult to be recorded")
	}
}

func TestEngine_DetectorErrorIsNoVote(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnergyThreshold = 500
	cfg.MinSpeechFrames = 1
	engine := NewEngine(cfg, &stubDetector{vote: true, err: errors.New("boom")}, nil)

	res := engine.ProcessFrame("call-1", pcmFrame(10))
	if res.IsSpeech {
		t.Error("Expected erroring detector to cast no vote")
	}
	if res.DetectorResult {
		t.Error("Expected DetectorResult false when the detector errors")
	}
}

func TestEngine_ShortFrameZeroPadded(t *testing.T) {
	cfg := DefaultConfig()
	engine := NewEngine(cfg, nil, nil)

	// 40 bytes of loud audio padded with 280 bytes of zeros: the energy is
	// diluted accordingly.
	short := pcmFrame(8000)[:40]
	res := engine.ProcessFrame("call-1", short)

	full := int(8000)
	if res.EnergyLevel >= full {
		t.Errorf("Expected padded frame energy below %d, got %d", full, res.EnergyLevel)
	}
	if res.FrameDurationMs != 20 {
		t.Errorf("Expected 20ms frame duration, got %d", res.FrameDurationMs)
	}
}

func TestEngine_Confidence(t *testing.T) {
	// Energy at 3x threshold with an agreeing detector: 0.4 + 0.4 + 0.2 = 1.0.
	got := calcConfidence(true, true, 1500, 500)
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Expected confidence 1.0, got %f", got)
	}

	// Detector only, energy below threshold: 0.4, no agreement bonus.
	got = calcConfidence(true, false, 100, 500)
	if math.Abs(got-0.4) > 1e-9 {
		t.Errorf("Expected confidence 0.4, got %f", got)
	}

	// Both silent: agreement bonus only.
	got = calcConfidence(false, false, 100, 500)
	if math.Abs(got-0.2) > 1e-9 {
		t.Errorf("Expected confidence 0.2, got %f", got)
	}

	// Energy at 1.5x threshold, no detector: 0.4*(1.5/3) = 0.2.
	got = calcConfidence(false, true, 750, 500)
	if math.Abs(got-0.2) > 1e-9 {
		t.Errorf("Expected confidence 0.2, got %f", got)
	}
}

func TestEngine_AdaptiveThresholdRaisesWithNoise(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnergyThreshold = 100
	cfg.AdaptiveEnabled = true
	cfg.NoiseAdaptationRate = 0.2
	cfg.MinSpeechFrames = 1
	engine := NewEngine(cfg, nil, nil)

	// Noise at 200 RMS is above the static base of 100, so initially it
	// reads as speech; but it feeds the estimator only when classified as
	// silence, so use sub-threshold noise at 60.
	noise := pcmFrame(60)
	for i := 0; i < 30; i++ {
		engine.ProcessFrame("call-1", noise)
	}

	// Target threshold is max(100, 2.5*60) = 150; a 120-RMS frame that
	// would beat the static base must now be classified below threshold.
	res := engine.ProcessFrame("call-1", pcmFrame(120))
	if res.IsSpeech {
		t.Error("Expected adapted threshold to reject low-margin energy")
	}
}

func TestEngine_Reset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnergyThreshold = 500
	cfg.MinSpeechFrames = 1
	engine := NewEngine(cfg, nil, nil)

	engine.ProcessFrame("call-1", pcmFrame(5000))
	if !engine.IsSpeaking("call-1") {
		t.Fatal("Expected speaking before reset")
	}

	engine.Reset("call-1")
	if engine.IsSpeaking("call-1") {
		t.Error("Expected reset to clear the speaking state")
	}
}
