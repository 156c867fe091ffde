package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every per-call series exported by the agent. It is built
// once at startup from an injected registerer and passed by reference to the
// coordinator and the VAD engine; nothing registers at package scope.
type Metrics struct {
	ttsGating         *prometheus.GaugeVec
	audioCapture      *prometheus.GaugeVec
	conversationState *prometheus.GaugeVec
	bargeIns          *prometheus.CounterVec
	vadFrames         *prometheus.CounterVec
	vadConfidence     *prometheus.HistogramVec
	vadThreshold      *prometheus.GaugeVec
}

// NewMetrics creates and registers all agent metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ttsGating: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ari_agent_tts_gating_active",
			Help: "Whether TTS gating is currently active for a call (1 = gated)",
		}, []string{"call_id"}),

		audioCapture: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ari_agent_audio_capture_enabled",
			Help: "Whether upstream audio capture is enabled for a call (1 = enabled)",
		}, []string{"call_id"}),

		conversationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ari_agent_conversation_state",
			Help: "Conversation state indicator gauge (1 = state active)",
		}, []string{"call_id", "state"}),

		bargeIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ari_agent_barge_in_events_total",
			Help: "Count of barge-in attempts detected while TTS playback is active",
		}, []string{"call_id"}),

		vadFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ari_agent_vad_frames_total",
			Help: "Total audio frames processed by the adaptive VAD",
		}, []string{"call_id", "result"}),

		vadConfidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ari_agent_vad_confidence",
			Help:    "Adaptive VAD confidence distribution",
			Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.9, 1.0},
		}, []string{"call_id"}),

		vadThreshold: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ari_agent_vad_adaptive_threshold",
			Help: "Adaptive VAD energy threshold currently in effect",
		}, []string{"call_id"}),
	}

	reg.MustRegister(
		m.ttsGating,
		m.audioCapture,
		m.conversationState,
		m.bargeIns,
		m.vadFrames,
		m.vadConfidence,
		m.vadThreshold,
	)

	return m
}

// SetGatingActive records whether TTS gating is active for a call.
func (m *Metrics) SetGatingActive(callID string, active bool) {
	m.ttsGating.WithLabelValues(callID).Set(boolToGauge(active))
}

// SetCaptureEnabled records whether audio capture is enabled for a call.
func (m *Metrics) SetCaptureEnabled(callID string, enabled bool) {
	m.audioCapture.WithLabelValues(callID).Set(boolToGauge(enabled))
}

// SetConversationState sets the indicator for state to 1 and every other
// known state to 0.
func (m *Metrics) SetConversationState(callID, state string, knownStates []string) {
	for _, known := range knownStates {
		m.conversationState.WithLabelValues(callID, known).Set(boolToGauge(known == state))
	}
}

// IncBargeIn counts one barge-in attempt for a call.
func (m *Metrics) IncBargeIn(callID string) {
	m.bargeIns.WithLabelValues(callID).Inc()
}

// ObserveVADFrame records the classification outcome of one audio frame.
func (m *Metrics) ObserveVADFrame(callID string, isSpeech bool, confidence float64, threshold int) {
	result := "silence"
	if isSpeech {
		result = "speech"
	}
	m.vadFrames.WithLabelValues(callID, result).Inc()
	m.vadConfidence.WithLabelValues(callID).Observe(confidence)
	m.vadThreshold.WithLabelValues(callID).Set(float64(threshold))
}

// RemoveCall deletes every series labelled with callID. Series that were
// never created are silently skipped.
func (m *Metrics) RemoveCall(callID string) {
	labels := prometheus.Labels{"call_id": callID}
	m.ttsGating.DeletePartialMatch(labels)
	m.audioCapture.DeletePartialMatch(labels)
	m.conversationState.DeletePartialMatch(labels)
	m.bargeIns.DeletePartialMatch(labels)
	m.vadFrames.DeletePartialMatch(labels)
	m.vadConfidence.DeletePartialMatch(labels)
	m.vadThreshold.DeletePartialMatch(labels)
}

// GatingGauge exposes the gating gauge for test assertions.
func (m *Metrics) GatingGauge(callID string) prometheus.Gauge {
	return m.ttsGating.WithLabelValues(callID)
}

// CaptureGauge exposes the capture gauge for test assertions.
func (m *Metrics) CaptureGauge(callID string) prometheus.Gauge {
	return m.audioCapture.WithLabelValues(callID)
}

func boolToGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
