package session

import "context"

// Conversation states tracked on a call session. Anything outside this set
// is ignored by the coordinator.
const (
	StateGreeting   = "greeting"
	StateListening  = "listening"
	StateProcessing = "processing"
)

// States lists the recognized conversation states in a stable order.
var States = []string{StateGreeting, StateListening, StateProcessing}

// CallSession holds the per-call state shared between the engine and the
// conversation coordinator. The store is the single authoritative writer;
// callers must not cache a session across store operations.
type CallSession struct {
	CallID              string
	AudioCaptureEnabled bool
	TTSPlaying          bool
	ConversationState   string

	// GatingToken correlates a specific TTS playback with the capture gate
	// it opened. A clear with a mismatched token must not release the gate.
	GatingToken string

	CleanupAfterTTS bool
}

// NewCallSession returns a session with capture enabled and the greeting
// state, the defaults for a freshly answered call.
func NewCallSession(callID string) *CallSession {
	return &CallSession{
		CallID:              callID,
		AudioCaptureEnabled: true,
		ConversationState:   StateGreeting,
	}
}

// Store is the session collaborator consumed by the coordinator. The gating
// token operations must be atomic with respect to concurrent callers; they
// are the arbiter of the start/end playback race.
type Store interface {
	// GetByCallID returns the session for callID, or nil if unknown.
	GetByCallID(ctx context.Context, callID string) (*CallSession, error)

	// UpsertCall creates or replaces the session keyed by its CallID.
	UpsertCall(ctx context.Context, session *CallSession) error

	// SetGatingToken atomically sets the gating token and marks TTS as
	// playing with capture disabled. It succeeds only when no token is
	// currently held.
	SetGatingToken(ctx context.Context, callID, token string) (bool, error)

	// ClearGatingToken atomically clears the gating token and marks TTS as
	// stopped. It succeeds only when the held token equals token.
	ClearGatingToken(ctx context.Context, callID, token string) (bool, error)

	// GetAllSessions returns a snapshot of every tracked session.
	GetAllSessions(ctx context.Context) ([]*CallSession, error)

	// Remove drops the session for callID. Removing an unknown call is not
	// an error.
	Remove(ctx context.Context, callID string) error
}
