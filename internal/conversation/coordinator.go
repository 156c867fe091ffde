package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/ari-agent/internal/observability"
	"github.com/lexiqai/ari-agent/internal/session"
)

// ReasonPlaybackFinished and ReasonPlaybackCancelled label why a gate was
// released.
const (
	ReasonPlaybackFinished  = "playback-finished"
	ReasonPlaybackCancelled = "playback-cancelled"
)

// Summary aggregates conversation state across all tracked calls for health
// reporting.
type Summary struct {
	GatingActive    int   `json:"gating_active"`
	CaptureDisabled int   `json:"capture_disabled"`
	BargeInTotal    int64 `json:"barge_in_total"`
	PendingTimers   int   `json:"pending_timers"`
}

// fallbackTimer is one pending capture-fallback action. cancel aborts the
// delayed work; done closes when the goroutine has fully exited, so a
// replacement or unregister can await termination.
type fallbackTimer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator is the single source of truth for whether inbound audio
// reaches the speech pipeline. It gates capture around TTS playback,
// de-duplicates barge-in signals, runs safety-net timers, and publishes
// per-call telemetry.
//
// Per call id, gating start/end/fallback operations must be serialized by
// the caller; the session store's atomic compare-and-set arbitrates the one
// genuinely racy transition.
type Coordinator struct {
	store   session.Store
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu             sync.Mutex
	fallbackTimers map[string]*fallbackTimer
	bargeInSeen    map[string]bool
	bargeInTotals  map[string]int64
}

// NewCoordinator creates a coordinator on top of the session store.
// metrics may be nil.
func NewCoordinator(store session.Store, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		store:          store,
		metrics:        metrics,
		logger:         observability.GetLogger().With().Str("component", "conversation").Logger(),
		fallbackTimers: make(map[string]*fallbackTimer),
		bargeInSeen:    make(map[string]bool),
		bargeInTotals:  make(map[string]int64),
	}
}

// RegisterCall initialises telemetry for a newly tracked session and clears
// any leftover fallback timer for its call id.
func (c *Coordinator) RegisterCall(ctx context.Context, sess *session.CallSession) {
	c.logger.Debug().Str("call_id", sess.CallID).Msg("Registering call")

	c.syncMetrics(sess)

	c.mu.Lock()
	c.bargeInSeen[sess.CallID] = false
	if _, ok := c.bargeInTotals[sess.CallID]; !ok {
		c.bargeInTotals[sess.CallID] = 0
	}
	timer := c.takeTimerLocked(sess.CallID)
	c.mu.Unlock()

	timer.stop()
}

// UnregisterCall cancels and awaits any pending fallback timer, then clears
// all per-call telemetry.
func (c *Coordinator) UnregisterCall(ctx context.Context, callID string) {
	c.logger.Debug().Str("call_id", callID).Msg("Unregistering call")

	c.mu.Lock()
	delete(c.bargeInSeen, callID)
	delete(c.bargeInTotals, callID)
	timer := c.takeTimerLocked(callID)
	c.mu.Unlock()

	timer.stop()

	if c.metrics != nil {
		c.metrics.RemoveCall(callID)
	}
}

// SyncFromSession refreshes the gauges to the session's current values.
func (c *Coordinator) SyncFromSession(sess *session.CallSession) {
	c.syncMetrics(sess)
}

// OnTTSStart attempts to gate audio capture for a playback. The store's
// compare-and-set is the sole arbiter; only a confirmed set marks gating
// active. The store's verdict is returned.
func (c *Coordinator) OnTTSStart(ctx context.Context, callID, playbackID string) bool {
	c.logger.Info().Str("call_id", callID).Str("playback_id", playbackID).Msg("Gating audio for TTS playback")

	ok, err := c.store.SetGatingToken(ctx, callID, playbackID)
	if err != nil {
		c.logger.Warn().Err(err).Str("call_id", callID).Msg("Gating token set failed")
		return false
	}
	if !ok {
		return false
	}

	if c.metrics != nil {
		c.metrics.SetGatingActive(callID, true)
		c.metrics.SetCaptureEnabled(callID, false)
	}

	c.mu.Lock()
	c.bargeInSeen[callID] = false
	c.mu.Unlock()

	return true
}

// OnTTSEnd attempts to release the gate held by playbackID. A mismatched or
// already-cleared token fails, so a stale end from an older playback never
// re-opens capture for a newer one.
func (c *Coordinator) OnTTSEnd(ctx context.Context, callID, playbackID, reason string) bool {
	c.logger.Info().
		Str("call_id", callID).
		Str("playback_id", playbackID).
		Str("reason", reason).
		Msg("Clearing TTS gating")

	ok, err := c.store.ClearGatingToken(ctx, callID, playbackID)
	if err != nil {
		c.logger.Warn().Err(err).Str("call_id", callID).Msg("Gating token clear failed")
		return false
	}
	if !ok {
		return false
	}

	if c.metrics != nil {
		c.metrics.SetGatingActive(callID, false)

		captureEnabled := true
		if sess, err := c.store.GetByCallID(ctx, callID); err == nil && sess != nil {
			captureEnabled = sess.AudioCaptureEnabled
		}
		c.metrics.SetCaptureEnabled(callID, captureEnabled)
	}

	c.mu.Lock()
	c.bargeInSeen[callID] = false
	c.mu.Unlock()

	return true
}

// CancelTTS releases the gate when a playback fails to start or is torn
// down early.
func (c *Coordinator) CancelTTS(ctx context.Context, callID, playbackID string) {
	c.OnTTSEnd(ctx, callID, playbackID, ReasonPlaybackCancelled)
}

// NoteAudioDuringTTS records a barge-in attempt. Repeated calls before the
// next gate transition are no-ops; the per-call counter moves by at most
// one per gated playback.
func (c *Coordinator) NoteAudioDuringTTS(callID string) {
	c.mu.Lock()
	seen, tracked := c.bargeInSeen[callID]
	if !tracked {
		c.bargeInSeen[callID] = false
		seen = false
	}
	if seen {
		c.mu.Unlock()
		return
	}
	c.bargeInSeen[callID] = true
	c.bargeInTotals[callID]++
	c.mu.Unlock()

	c.logger.Debug().Str("call_id", callID).Msg("Barge-in attempt detected")
	if c.metrics != nil {
		c.metrics.IncBargeIn(callID)
	}
}

// UpdateConversationState persists a recognized state change and reflects
// it in the per-state indicator. Unknown states, missing sessions, and
// no-op transitions are ignored.
func (c *Coordinator) UpdateConversationState(ctx context.Context, callID, state string) {
	if !isKnownState(state) {
		c.logger.Debug().Str("call_id", callID).Str("state", state).Msg("Unknown conversation state requested")
		return
	}

	sess, err := c.store.GetByCallID(ctx, callID)
	if err != nil || sess == nil {
		return
	}
	if sess.ConversationState == state {
		return
	}

	sess.ConversationState = state
	if err := c.store.UpsertCall(ctx, sess); err != nil {
		c.logger.Warn().Err(err).Str("call_id", callID).Msg("Failed to persist conversation state")
		return
	}

	if c.metrics != nil {
		c.metrics.SetConversationState(callID, state, session.States)
	}
}

// ScheduleCaptureFallback arms the safety net against a lost TTS-end
// signal: after delay, capture is re-enabled if the session still exists
// and capture is still disabled. A new schedule replaces (cancels and
// awaits) any existing timer for the call.
func (c *Coordinator) ScheduleCaptureFallback(ctx context.Context, callID string, delay time.Duration) {
	c.logger.Info().
		Str("call_id", callID).
		Dur("delay", delay).
		Int("pending_timers", c.PendingTimerCount()+1).
		Msg("Scheduling capture fallback")

	timerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	timer := &fallbackTimer{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.takeTimerLocked(callID)
	c.fallbackTimers[callID] = timer
	c.mu.Unlock()

	prev.stop()

	go c.runCaptureFallback(timerCtx, timer, callID, delay)
}

func (c *Coordinator) runCaptureFallback(ctx context.Context, timer *fallbackTimer, callID string, delay time.Duration) {
	defer close(timer.done)
	defer c.dropTimer(callID, timer)

	select {
	case <-ctx.Done():
		c.logger.Info().Str("call_id", callID).Msg("Capture fallback cancelled")
		return
	case <-time.After(delay):
	}

	sess, err := c.store.GetByCallID(ctx, callID)
	if err != nil || sess == nil {
		return
	}
	if sess.AudioCaptureEnabled {
		return
	}

	sess.AudioCaptureEnabled = true
	if err := c.store.UpsertCall(ctx, sess); err != nil {
		c.logger.Error().Err(err).Str("call_id", callID).Msg("Capture fallback failed to persist")
		return
	}

	if c.metrics != nil {
		c.metrics.SetCaptureEnabled(callID, true)
	}
	c.logger.Info().Str("call_id", callID).Msg("Capture fallback re-enabled audio capture")
}

// PendingTimerCount returns the number of fallback timers not yet fired or
// cancelled.
func (c *Coordinator) PendingTimerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fallbackTimers)
}

// GetSummary aggregates gating state across all sessions plus the barge-in
// totals.
func (c *Coordinator) GetSummary(ctx context.Context) (Summary, error) {
	sessions, err := c.store.GetAllSessions(ctx)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	for _, sess := range sessions {
		if sess.TTSPlaying {
			summary.GatingActive++
		}
		if !sess.AudioCaptureEnabled {
			summary.CaptureDisabled++
		}
	}

	c.mu.Lock()
	for _, total := range c.bargeInTotals {
		summary.BargeInTotal += total
	}
	summary.PendingTimers = len(c.fallbackTimers)
	c.mu.Unlock()

	return summary, nil
}

func (c *Coordinator) syncMetrics(sess *session.CallSession) {
	if c.metrics == nil {
		return
	}
	c.metrics.SetCaptureEnabled(sess.CallID, sess.AudioCaptureEnabled)
	c.metrics.SetGatingActive(sess.CallID, sess.TTSPlaying)
	c.metrics.SetConversationState(sess.CallID, sess.ConversationState, session.States)
}

// takeTimerLocked removes and returns the pending timer for callID, if
// any. Callers must hold c.mu and call stop() after releasing it.
func (c *Coordinator) takeTimerLocked(callID string) *fallbackTimer {
	timer := c.fallbackTimers[callID]
	delete(c.fallbackTimers, callID)
	return timer
}

// dropTimer clears the registry entry when a timer finishes on its own.
func (c *Coordinator) dropTimer(callID string, timer *fallbackTimer) {
	c.mu.Lock()
	if c.fallbackTimers[callID] == timer {
		delete(c.fallbackTimers, callID)
	}
	c.mu.Unlock()
}

// stop cancels the timer and waits for its goroutine to exit. Safe on nil.
func (t *fallbackTimer) stop() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

func isKnownState(state string) bool {
	for _, known := range session.States {
		if known == state {
			return true
		}
	}
	return false
}
