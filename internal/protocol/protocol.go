// Package protocol defines the framed wire protocol between the server and
// browser overlay pages.
//
// Two kinds of frames travel server to overlay: JSON control frames carrying
// an "action" tag, and binary frames carrying raw PCM signed 16-bit
// little-endian audio at the sample rate negotiated by the preceding
// stream_start frame. Overlay to server messages are JSON events carrying an
// "event" tag.
//
// For a single generation the outbound sequence on one session is:
// optional text_stream_start, stream_start, any interleaving of word_timing
// and binary audio frames such that a word's timing precedes the audio
// containing its playback instant, stream_end, optional text_stream_end.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Default audio stream parameters for synthesized speech.
const (
	DefaultSampleRate = 24000
	DefaultChannels   = 1
	AudioFormatPCM16  = "pcm16"
)

// Action tags on server-to-overlay JSON frames.
const (
	ActionPlay            = "play"
	ActionStop            = "stop"
	ActionVolume          = "volume"
	ActionStreamStart     = "stream_start"
	ActionStreamEnd       = "stream_end"
	ActionStopStream      = "stop_stream"
	ActionText            = "text"
	ActionClearText       = "clear_text"
	ActionTextStreamStart = "text_stream_start"
	ActionTextChunk       = "text_chunk"
	ActionTextStreamEnd   = "text_stream_end"
	ActionWordTiming      = "word_timing"
	ActionPing            = "ping"
	ActionHello           = "hello"
)

// Event tags on overlay-to-server JSON messages.
const (
	EventEnded         = "ended"
	EventStreamEnded   = "stream_ended"
	EventStreamStopped = "stream_stopped"
	EventPong          = "pong"
	EventError         = "error"
)

// Typography describes how streamed or one-shot captions are rendered.
// Position coordinates are normalized to [0,1] within the overlay viewport.
type Typography struct {
	FontFamily  string  `json:"font_family"`
	FontSize    int     `json:"font_size"`
	Color       string  `json:"color"`
	StrokeColor string  `json:"stroke_color,omitempty"`
	StrokeWidth int     `json:"stroke_width"`
	PositionX   float64 `json:"position_x"`
	PositionY   float64 `json:"position_y"`
}

// DefaultTypography matches the overlay's built-in caption style.
func DefaultTypography() Typography {
	return Typography{
		FontFamily: "Arial",
		FontSize:   48,
		Color:      "#ffffff",
		PositionX:  0.5,
		PositionY:  0.5,
	}
}

// PlayFrame instructs the overlay to play a static audio file.
type PlayFrame struct {
	Action string  `json:"action"`
	File   string  `json:"file"`
	Volume float64 `json:"volume"`
	Loop   bool    `json:"loop"`
}

// Play builds a play frame for the given file path.
func Play(file string, volume float64, loop bool) PlayFrame {
	return PlayFrame{Action: ActionPlay, File: file, Volume: volume, Loop: loop}
}

// StopFrame halts static audio playback.
type StopFrame struct {
	Action string `json:"action"`
}

func Stop() StopFrame { return StopFrame{Action: ActionStop} }

// VolumeFrame adjusts the overlay's playback volume.
type VolumeFrame struct {
	Action string  `json:"action"`
	Level  float64 `json:"level"`
}

func Volume(level float64) VolumeFrame {
	return VolumeFrame{Action: ActionVolume, Level: level}
}

// StreamStartFrame announces an incoming binary PCM audio stream.
type StreamStartFrame struct {
	Action     string `json:"action"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
}

// StreamStart builds a stream_start frame. Zero values select the defaults
// (24 kHz mono pcm16).
func StreamStart(sampleRate, channels int) StreamStartFrame {
	if sampleRate == 0 {
		sampleRate = DefaultSampleRate
	}
	if channels == 0 {
		channels = DefaultChannels
	}
	return StreamStartFrame{
		Action:     ActionStreamStart,
		SampleRate: sampleRate,
		Channels:   channels,
		Format:     AudioFormatPCM16,
	}
}

// StreamEndFrame signals that no further audio frames follow for the current
// stream. The overlay keeps playing buffered audio and reports stream_ended
// when playback actually finishes.
type StreamEndFrame struct {
	Action string `json:"action"`
}

func StreamEnd() StreamEndFrame { return StreamEndFrame{Action: ActionStreamEnd} }

// StopStreamFrame forcibly truncates playback, discarding buffered audio.
// The overlay answers with a stream_stopped event reporting what was heard.
type StopStreamFrame struct {
	Action string `json:"action"`
}

func StopStream() StopStreamFrame { return StopStreamFrame{Action: ActionStopStream} }

// TextFrame displays a one-shot styled caption.
type TextFrame struct {
	Action   string `json:"action"`
	Text     string `json:"text"`
	Style    string `json:"style"`
	Duration int    `json:"duration"`
	Typography
}

// Text builds a one-shot caption frame. duration is in milliseconds.
func Text(text, style string, duration int, ty Typography) TextFrame {
	return TextFrame{
		Action:     ActionText,
		Text:       text,
		Style:      style,
		Duration:   duration,
		Typography: ty,
	}
}

// ClearTextFrame removes any visible caption.
type ClearTextFrame struct {
	Action string `json:"action"`
}

func ClearText() ClearTextFrame { return ClearTextFrame{Action: ActionClearText} }

// TextStreamStartFrame opens a streamed caption with the given typography.
// When InstantReveal is set the overlay shows chunks as they arrive instead
// of synchronizing reveal against word_timing frames.
type TextStreamStartFrame struct {
	Action        string `json:"action"`
	InstantReveal bool   `json:"instant_reveal"`
	Typography
}

func TextStreamStart(ty Typography, instantReveal bool) TextStreamStartFrame {
	return TextStreamStartFrame{
		Action:        ActionTextStreamStart,
		InstantReveal: instantReveal,
		Typography:    ty,
	}
}

// TextChunkFrame appends text to an open streamed caption.
type TextChunkFrame struct {
	Action string `json:"action"`
	Text   string `json:"text"`
}

func TextChunk(text string) TextChunkFrame {
	return TextChunkFrame{Action: ActionTextChunk, Text: text}
}

// TextStreamEndFrame closes a streamed caption.
type TextStreamEndFrame struct {
	Action string `json:"action"`
}

func TextStreamEnd() TextStreamEndFrame {
	return TextStreamEndFrame{Action: ActionTextStreamEnd}
}

// WordTiming is one word with its playback window, in seconds relative to
// the start of the audio stream.
type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// WordTimingFrame delivers word-level timing so the overlay can reveal
// captions in sync with audio.
type WordTimingFrame struct {
	Action string       `json:"action"`
	Words  []WordTiming `json:"words"`
}

func WordTimings(words []WordTiming) WordTimingFrame {
	return WordTimingFrame{Action: ActionWordTiming, Words: words}
}

// PingFrame is the application-level liveness probe. Distinct from the
// transport keepalive so liveness survives intermediate proxies.
type PingFrame struct {
	Action string `json:"action"`
	TS     int64  `json:"ts"`
}

func Ping(ts int64) PingFrame { return PingFrame{Action: ActionPing, TS: ts} }

// HelloFrame is sent once after a session is accepted. BuildID changes on
// every server start so stale overlay pages can prompt a reload.
type HelloFrame struct {
	Action  string `json:"action"`
	Version string `json:"version"`
	BuildID string `json:"build_id"`
}

func Hello(version, buildID string) HelloFrame {
	return HelloFrame{Action: ActionHello, Version: version, BuildID: buildID}
}

// Event is an overlay-to-server message. Fields beyond Event are populated
// depending on the tag; StreamStopped carries the overlay's authoritative
// report of what was actually heard after a stop_stream truncation.
type Event struct {
	Event        string  `json:"event"`
	TS           int64   `json:"ts,omitempty"`
	File         string  `json:"file,omitempty"`
	Message      string  `json:"message,omitempty"`
	SpokenText   string  `json:"spoken_text,omitempty"`
	PlaybackTime float64 `json:"playback_time,omitempty"`
	WordCount    int     `json:"word_count,omitempty"`
}

// ParseEvent decodes an inbound overlay message. An empty event tag is an
// error; unknown tags are returned as-is for the caller to ignore.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("protocol: parse event: %w", err)
	}
	if ev.Event == "" {
		return Event{}, fmt.Errorf("protocol: event missing tag")
	}
	return ev, nil
}
