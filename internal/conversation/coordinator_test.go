package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lexiqai/ari-agent/internal/observability"
	"github.com/lexiqai/ari-agent/internal/session"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *session.MemoryStore, *observability.Metrics) {
	t.Helper()
	store := session.NewMemoryStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewCoordinator(store, metrics), store, metrics
}

func registerCall(t *testing.T, c *Coordinator, store *session.MemoryStore, callID string) {
	t.Helper()
	sess := session.NewCallSession(callID)
	if err := store.UpsertCall(context.Background(), sess); err != nil {
		t.Fatalf("UpsertCall failed: %v", err)
	}
	c.RegisterCall(context.Background(), sess)
}

func TestCoordinator_GatingLifecycle(t *testing.T) {
	coord, store, metrics := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")

	if !coord.OnTTSStart(ctx, "call-1", "pb-1") {
		t.Fatal("Expected OnTTSStart to succeed")
	}
	if got := testutil.ToFloat64(metrics.GatingGauge("call-1")); got != 1 {
		t.Errorf("Expected gating gauge 1, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.CaptureGauge("call-1")); got != 0 {
		t.Errorf("Expected capture gauge 0 while gated, got %f", got)
	}

	if !coord.OnTTSEnd(ctx, "call-1", "pb-1", ReasonPlaybackFinished) {
		t.Fatal("Expected OnTTSEnd to succeed")
	}
	if got := testutil.ToFloat64(metrics.GatingGauge("call-1")); got != 0 {
		t.Errorf("Expected gating gauge 0 after end, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.CaptureGauge("call-1")); got != 1 {
		t.Errorf("Expected capture gauge 1 after end, got %f", got)
	}
}

func TestCoordinator_GatingIdempotence(t *testing.T) {
	coord, store, metrics := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")

	if !coord.OnTTSStart(ctx, "call-1", "pb-1") {
		t.Fatal("Expected OnTTSStart to succeed")
	}
	if !coord.OnTTSEnd(ctx, "call-1", "pb-1", ReasonPlaybackFinished) {
		t.Fatal("Expected first OnTTSEnd to succeed")
	}
	// The token is already cleared: a duplicate end must fail.
	if coord.OnTTSEnd(ctx, "call-1", "pb-1", ReasonPlaybackFinished) {
		t.Error("Expected duplicate OnTTSEnd to fail")
	}
	if got := testutil.ToFloat64(metrics.GatingGauge("call-1")); got != 0 {
		t.Errorf("Expected gating gauge 0, got %f", got)
	}
}

func TestCoordinator_StaleEndDoesNotReleaseNewGate(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")

	if !coord.OnTTSStart(ctx, "call-1", "pb-1") {
		t.Fatal("Expected OnTTSStart to succeed")
	}
	if !coord.OnTTSEnd(ctx, "call-1", "pb-1", ReasonPlaybackFinished) {
		t.Fatal("Expected OnTTSEnd to succeed")
	}
	if !coord.OnTTSStart(ctx, "call-1", "pb-2") {
		t.Fatal("Expected second OnTTSStart to succeed")
	}

	// A late end from the first playback must not re-open capture.
	if coord.OnTTSEnd(ctx, "call-1", "pb-1", ReasonPlaybackFinished) {
		t.Error("Expected stale end to fail")
	}

	sess, _ := store.GetByCallID(ctx, "call-1")
	if sess.AudioCaptureEnabled {
		t.Error("Expected capture to stay disabled under the new gate")
	}
	if sess.GatingToken != "pb-2" {
		t.Errorf("Expected gate held by pb-2, got %q", sess.GatingToken)
	}
}

func TestCoordinator_BargeInDedup(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")

	coord.OnTTSStart(ctx, "call-1", "pb-1")
	for i := 0; i < 5; i++ {
		coord.NoteAudioDuringTTS("call-1")
	}

	summary, err := coord.GetSummary(ctx)
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if summary.BargeInTotal != 1 {
		t.Errorf("Expected barge-in total 1 after repeated signals, got %d", summary.BargeInTotal)
	}

	// The dedup flag resets on the next gate transition.
	coord.OnTTSEnd(ctx, "call-1", "pb-1", ReasonPlaybackFinished)
	coord.OnTTSStart(ctx, "call-1", "pb-2")
	coord.NoteAudioDuringTTS("call-1")

	summary, _ = coord.GetSummary(ctx)
	if summary.BargeInTotal != 2 {
		t.Errorf("Expected barge-in total 2 across two playbacks, got %d", summary.BargeInTotal)
	}
}

func TestCoordinator_CaptureFallbackReenablesCapture(t *testing.T) {
	coord, store, metrics := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")

	coord.OnTTSStart(ctx, "call-1", "pb-1")
	coord.ScheduleCaptureFallback(ctx, "call-1", 50*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		sess, _ := store.GetByCallID(ctx, "call-1")
		if sess.AudioCaptureEnabled {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for capture fallback to fire")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := testutil.ToFloat64(metrics.CaptureGauge("call-1")); got != 1 {
		t.Errorf("Expected capture gauge 1 after fallback, got %f", got)
	}
	if coord.PendingTimerCount() != 0 {
		t.Errorf("Expected no pending timers after fire, got %d", coord.PendingTimerCount())
	}
}

func TestCoordinator_CaptureFallbackNoopWhenEnabled(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")

	coord.ScheduleCaptureFallback(ctx, "call-1", 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	sess, _ := store.GetByCallID(ctx, "call-1")
	if !sess.AudioCaptureEnabled {
		t.Error("Expected capture to remain enabled")
	}
	if coord.PendingTimerCount() != 0 {
		t.Errorf("Expected timer to be cleaned up, got %d pending", coord.PendingTimerCount())
	}
}

func TestCoordinator_CaptureFallbackNoopWhenSessionGone(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")

	coord.OnTTSStart(ctx, "call-1", "pb-1")
	coord.ScheduleCaptureFallback(ctx, "call-1", 20*time.Millisecond)
	store.Remove(ctx, "call-1")

	// A vanished session is "nothing to do", not an error.
	time.Sleep(100 * time.Millisecond)
	if coord.PendingTimerCount() != 0 {
		t.Errorf("Expected timer cleanup, got %d pending", coord.PendingTimerCount())
	}
}

func TestCoordinator_FallbackReplacementCancelsPrior(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")

	coord.OnTTSStart(ctx, "call-1", "pb-1")
	coord.ScheduleCaptureFallback(ctx, "call-1", 30*time.Millisecond)
	coord.ScheduleCaptureFallback(ctx, "call-1", 10*time.Second)

	if coord.PendingTimerCount() != 1 {
		t.Fatalf("Expected exactly one pending timer, got %d", coord.PendingTimerCount())
	}

	// The first timer was cancelled; well after its delay, capture is still
	// gated by the long replacement.
	time.Sleep(150 * time.Millisecond)
	sess, _ := store.GetByCallID(ctx, "call-1")
	if sess.AudioCaptureEnabled {
		t.Error("Expected replaced timer not to fire")
	}

	coord.UnregisterCall(ctx, "call-1")
}

func TestCoordinator_UnregisterAwaitsTimer(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")

	coord.OnTTSStart(ctx, "call-1", "pb-1")
	coord.ScheduleCaptureFallback(ctx, "call-1", 10*time.Second)

	done := make(chan struct{})
	go func() {
		coord.UnregisterCall(ctx, "call-1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("UnregisterCall did not return after cancelling the timer")
	}

	if coord.PendingTimerCount() != 0 {
		t.Errorf("Expected no pending timers, got %d", coord.PendingTimerCount())
	}

	summary, _ := coord.GetSummary(ctx)
	if summary.BargeInTotal != 0 {
		t.Errorf("Expected barge-in totals cleared, got %d", summary.BargeInTotal)
	}
}

func TestCoordinator_UpdateConversationState(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")

	coord.UpdateConversationState(ctx, "call-1", session.StateListening)
	sess, _ := store.GetByCallID(ctx, "call-1")
	if sess.ConversationState != session.StateListening {
		t.Errorf("Expected state listening, got %q", sess.ConversationState)
	}

	// Unrecognized states are ignored.
	coord.UpdateConversationState(ctx, "call-1", "shouting")
	sess, _ = store.GetByCallID(ctx, "call-1")
	if sess.ConversationState != session.StateListening {
		t.Errorf("Expected state unchanged, got %q", sess.ConversationState)
	}

	// Missing sessions are ignored.
	coord.UpdateConversationState(ctx, "missing", session.StateProcessing)
}

func TestCoordinator_GetSummary(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	registerCall(t, coord, store, "call-1")
	registerCall(t, coord, store, "call-2")
	registerCall(t, coord, store, "call-3")

	coord.OnTTSStart(ctx, "call-1", "pb-1")
	coord.OnTTSStart(ctx, "call-2", "pb-2")
	coord.NoteAudioDuringTTS("call-1")
	coord.NoteAudioDuringTTS("call-2")

	summary, err := coord.GetSummary(ctx)
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if summary.GatingActive != 2 {
		t.Errorf("Expected 2 gated calls, got %d", summary.GatingActive)
	}
	if summary.CaptureDisabled != 2 {
		t.Errorf("Expected 2 capture-disabled calls, got %d", summary.CaptureDisabled)
	}
	if summary.BargeInTotal != 2 {
		t.Errorf("Expected barge-in total 2, got %d", summary.BargeInTotal)
	}
}
