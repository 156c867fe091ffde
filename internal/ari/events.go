package ari

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
)

// ChannelRef is the channel fragment shared by Stasis events.
type ChannelRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StasisEvent covers StasisStart and StasisEnd.
type StasisEvent struct {
	Channel ChannelRef `json:"channel"`
	Args    []string   `json:"args"`
}

// PlaybackRef identifies a playback and the channel it targets
// (TargetURI has the form "channel:<id>").
type PlaybackRef struct {
	ID        string `json:"id"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// PlaybackEvent covers PlaybackStarted and PlaybackFinished.
type PlaybackEvent struct {
	Playback PlaybackRef `json:"playback"`
}

// AudioFrameEvent is one media frame delivered over the event stream.
// Payload is base64-encoded mu-law audio.
type AudioFrameEvent struct {
	Channel ChannelRef `json:"channel"`
	Payload string     `json:"payload"`
}

// DecodeStasis parses a StasisStart/StasisEnd payload.
func DecodeStasis(evt Event) (StasisEvent, error) {
	var out StasisEvent
	if err := sonic.Unmarshal(evt.Raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", evt.Type, err)
	}
	return out, nil
}

// DecodePlayback parses a PlaybackStarted/PlaybackFinished payload.
func DecodePlayback(evt Event) (PlaybackEvent, error) {
	var out PlaybackEvent
	if err := sonic.Unmarshal(evt.Raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", evt.Type, err)
	}
	return out, nil
}

// DecodeAudioFrame parses a ChannelAudioFrame payload and returns the
// decoded mu-law bytes alongside the channel id.
func DecodeAudioFrame(evt Event) (string, []byte, error) {
	var out AudioFrameEvent
	if err := sonic.Unmarshal(evt.Raw, &out); err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", evt.Type, err)
	}
	media, err := base64.StdEncoding.DecodeString(out.Payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return out.Channel.ID, media, nil
}

// ChannelIDFromPlayback extracts the channel id from a playback target URI.
// Returns "" when the target is not a channel.
func ChannelIDFromPlayback(ref PlaybackRef) string {
	const prefix = "channel:"
	if len(ref.TargetURI) > len(prefix) && ref.TargetURI[:len(prefix)] == prefix {
		return ref.TargetURI[len(prefix):]
	}
	return ""
}
