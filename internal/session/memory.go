package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. A single mutex covers every operation
// so the gating-token compare-and-set is atomic across concurrent callers.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]*CallSession
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[string]*CallSession),
	}
}

// GetByCallID returns a copy of the stored session, or nil if unknown.
func (s *MemoryStore) GetByCallID(_ context.Context, callID string) (*CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.calls[callID]
	if !ok {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

// UpsertCall stores a copy of the session keyed by its CallID.
func (s *MemoryStore) UpsertCall(_ context.Context, session *CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.calls[session.CallID] = &copied
	return nil
}

// SetGatingToken sets the token only when no token is currently held. On
// success the session is marked as playing TTS with capture disabled.
func (s *MemoryStore) SetGatingToken(_ context.Context, callID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.calls[callID]
	if !ok {
		return false, nil
	}
	if sess.GatingToken != "" {
		return false, nil
	}

	sess.GatingToken = token
	sess.TTSPlaying = true
	sess.AudioCaptureEnabled = false
	return true, nil
}

// ClearGatingToken clears the token only when the held token matches. On
// success the session is marked as no longer playing TTS with capture
// restored.
func (s *MemoryStore) ClearGatingToken(_ context.Context, callID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.calls[callID]
	if !ok {
		return false, nil
	}
	if sess.GatingToken == "" || sess.GatingToken != token {
		return false, nil
	}

	sess.GatingToken = ""
	sess.TTSPlaying = false
	sess.AudioCaptureEnabled = true
	return true, nil
}

// GetAllSessions returns copies of every tracked session.
func (s *MemoryStore) GetAllSessions(_ context.Context) ([]*CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]*CallSession, 0, len(s.calls))
	for _, sess := range s.calls {
		copied := *sess
		sessions = append(sessions, &copied)
	}
	return sessions, nil
}

// Remove drops the session for callID.
func (s *MemoryStore) Remove(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.calls, callID)
	return nil
}
