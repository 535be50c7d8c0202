package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/scenecast/scenecast/pkg/provider/tts"
)

func TestNewClientValidation(t *testing.T) {
	valid := tts.ElevenLabsSettings{VoiceID: "v1"}

	if _, err := NewClient("", valid); err == nil {
		t.Error("empty api key accepted")
	}
	if _, err := NewClient("key", tts.ElevenLabsSettings{}); err == nil {
		t.Error("settings without voice_id accepted")
	}

	c, err := NewClient("key", valid)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.settings.ModelID != "eleven_multilingual_v2" {
		t.Errorf("model = %q, want default filled in", c.settings.ModelID)
	}
}

func TestNewClientClampsSpeed(t *testing.T) {
	tests := []struct {
		speed float64
		want  float64
	}{
		{speed: 0, want: 1.0},
		{speed: 0.5, want: tts.ElevenLabsMinSpeed},
		{speed: 1.0, want: 1.0},
		{speed: 3.0, want: tts.ElevenLabsMaxSpeed},
	}
	for _, tt := range tests {
		c, err := NewClient("key", tts.ElevenLabsSettings{VoiceID: "v1", Speed: tt.speed})
		if err != nil {
			t.Fatalf("speed %v: %v", tt.speed, err)
		}
		if c.settings.Speed != tt.want {
			t.Errorf("speed %v clamped to %v, want %v", tt.speed, c.settings.Speed, tt.want)
		}
	}
}

func TestStreamURL(t *testing.T) {
	url := fmt.Sprintf(wsEndpointFmt, "voice-42", "eleven_turbo_v2")

	for _, want := range []string{
		"wss://api.elevenlabs.io/v1/text-to-speech/voice-42/stream-input",
		"model_id=eleven_turbo_v2",
		"output_format=pcm_24000",
		"sync_alignment=true",
	} {
		if !strings.Contains(url, want) {
			t.Errorf("url %q missing %q", url, want)
		}
	}
}

func TestTextMessageWireShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  textMessage
		want string
	}{
		{
			name: "plain text omits optional fields",
			msg:  textMessage{Text: "hello "},
			want: `{"text":"hello "}`,
		},
		{
			name: "flush flag carried",
			msg:  textMessage{Text: "now.", Flush: true},
			want: `{"text":"now.","flush":true}`,
		},
		{
			name: "end of input is the empty text message",
			msg:  textMessage{},
			want: `{"text":""}`,
		},
		{
			name: "handshake carries voice settings",
			msg: textMessage{
				Text:          " ",
				VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: 1.1},
			},
			want: `{"text":" ","voice_settings":{"stability":0.5,"similarity_boost":0.75,"style":0,"speed":1.1}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("wire = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestWSResponseDecoding(t *testing.T) {
	payload := `{
		"audio": "AQI=",
		"isFinal": false,
		"alignment": {
			"characters": ["H", "i", " "],
			"character_start_times_seconds": [0, 0.1, 0.2],
			"character_end_times_seconds": [0.1, 0.2, 0.3]
		}
	}`
	var resp wsResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Audio != "AQI=" || resp.IsFinal {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Alignment == nil || len(resp.Alignment.Characters) != 3 {
		t.Fatalf("alignment = %+v", resp.Alignment)
	}
	if resp.Alignment.Starts[1] != 0.1 || resp.Alignment.Ends[2] != 0.3 {
		t.Errorf("alignment times = %+v", resp.Alignment)
	}

	var errResp wsResponse
	if err := json.Unmarshal([]byte(`{"error":"quota_exceeded"}`), &errResp); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if errResp.Error != "quota_exceeded" {
		t.Errorf("error = %q", errResp.Error)
	}
}

func TestSessionInputGuards(t *testing.T) {
	ctx := context.Background()

	// The guards fire before any socket write, so a nil conn is safe here.
	closed := &session{closed: true}
	if err := closed.SendText(ctx, "hi", false); err == nil {
		t.Error("SendText on closed session succeeded")
	}
	if err := closed.CloseInput(ctx); err != nil {
		t.Errorf("CloseInput on closed session: %v", err)
	}

	ended := &session{inputEnded: true}
	if err := ended.SendText(ctx, "hi", false); err == nil {
		t.Error("SendText after CloseInput succeeded")
	}
	if err := ended.CloseInput(ctx); err != nil {
		t.Errorf("second CloseInput: %v", err)
	}

	// Empty text is a no-op, never a write.
	live := &session{}
	if err := live.SendText(ctx, "", true); err != nil {
		t.Errorf("empty SendText: %v", err)
	}
}
