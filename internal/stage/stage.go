// Package stage is the command surface for driving overlays: it turns
// high-level operations (play a file, stream audio, show captions) into
// protocol frames on the hub and keeps the transient channel state in step.
package stage

import (
	"context"
	"log/slog"

	"github.com/scenecast/scenecast/internal/hub"
	"github.com/scenecast/scenecast/internal/protocol"
)

// PlaybackRecorder appends playback-log rows. Logging is best effort; a
// failing recorder never fails the command.
type PlaybackRecorder interface {
	RecordPlayback(ctx context.Context, channel, content, contentType string) error
}

// Stage drives overlay channels through the hub.
type Stage struct {
	hub      *hub.Hub
	recorder PlaybackRecorder
}

// New creates a Stage. recorder may be nil to disable playback logging.
func New(h *hub.Hub, recorder PlaybackRecorder) *Stage {
	return &Stage{hub: h, recorder: recorder}
}

// Play starts playback of a static audio file on a channel.
func (st *Stage) Play(ctx context.Context, channel, file string, volume float64, loop bool) bool {
	ok := st.hub.SendJSON(channel, protocol.Play("/static/audio/"+file, volume, loop))
	if ok {
		st.hub.SetChannelState(channel, "playing", true)
		st.logPlayback(ctx, channel, file, "audio")
	}
	return ok
}

// Stop halts static audio playback on a channel.
func (st *Stage) Stop(ctx context.Context, channel string) bool {
	ok := st.hub.SendJSON(channel, protocol.Stop())
	if ok {
		st.hub.SetChannelState(channel, "playing", false)
	}
	return ok
}

// SetVolume adjusts playback volume on a channel.
func (st *Stage) SetVolume(_ context.Context, channel string, level float64) bool {
	return st.hub.SendJSON(channel, protocol.Volume(level))
}

// StreamStart opens a binary audio stream on a channel.
func (st *Stage) StreamStart(ctx context.Context, channel string, sampleRate, channels int) bool {
	ok := st.hub.SendJSON(channel, protocol.StreamStart(sampleRate, channels))
	if ok {
		st.hub.SetChannelState(channel, "streaming", true)
		st.logPlayback(ctx, channel, "stream", "stream")
		slog.Debug("audio stream started", "character", channel, "sample_rate", sampleRate)
	}
	return ok
}

// StreamAudio forwards one PCM chunk to a channel.
func (st *Stage) StreamAudio(_ context.Context, channel string, audio []byte) bool {
	return st.hub.SendBytes(channel, audio)
}

// StreamEnd marks end of audio input. The streaming state flag stays set
// until the overlay reports stream_ended, because the overlay keeps playing
// buffered audio after this frame.
func (st *Stage) StreamEnd(_ context.Context, channel string) bool {
	slog.Debug("audio stream ended", "character", channel)
	return st.hub.SendJSON(channel, protocol.StreamEnd())
}

// StopStream forcibly truncates playback and clears buffered audio.
func (st *Stage) StopStream(_ context.Context, channel string) bool {
	ok := st.hub.SendJSON(channel, protocol.StopStream())
	if ok {
		st.hub.SetChannelState(channel, "streaming", false)
	}
	return ok
}

// ShowText displays a one-shot styled caption.
func (st *Stage) ShowText(ctx context.Context, channel, text, style string, duration int, ty protocol.Typography) bool {
	ok := st.hub.SendJSON(channel, protocol.Text(text, style, duration, ty))
	if ok {
		st.logPlayback(ctx, channel, text, "text")
	}
	return ok
}

// ClearText removes any visible caption.
func (st *Stage) ClearText(_ context.Context, channel string) bool {
	return st.hub.SendJSON(channel, protocol.ClearText())
}

// TextStreamStart opens a streamed caption.
func (st *Stage) TextStreamStart(_ context.Context, channel string, ty protocol.Typography, instantReveal bool) bool {
	return st.hub.SendJSON(channel, protocol.TextStreamStart(ty, instantReveal))
}

// TextChunk appends to an open streamed caption.
func (st *Stage) TextChunk(_ context.Context, channel, text string) bool {
	return st.hub.SendJSON(channel, protocol.TextChunk(text))
}

// TextStreamEnd closes a streamed caption.
func (st *Stage) TextStreamEnd(_ context.Context, channel string) bool {
	return st.hub.SendJSON(channel, protocol.TextStreamEnd())
}

// WordTimings delivers word timing data for caption synchronization.
func (st *Stage) WordTimings(_ context.Context, channel string, words []protocol.WordTiming) bool {
	return st.hub.SendJSON(channel, protocol.WordTimings(words))
}

// IsConnected reports whether the channel has a live overlay.
func (st *Stage) IsConnected(channel string) bool {
	return st.hub.IsConnected(channel)
}

func (st *Stage) logPlayback(ctx context.Context, channel, content, contentType string) {
	if st.recorder == nil {
		return
	}
	if err := st.recorder.RecordPlayback(ctx, channel, content, contentType); err != nil {
		slog.Debug("playback log write failed", "character", channel, "err", err)
	}
}
