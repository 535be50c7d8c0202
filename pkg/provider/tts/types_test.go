package tts

import (
	"encoding/json"
	"testing"
)

func TestParseElevenLabsSettingsDefaults(t *testing.T) {
	s, err := ParseElevenLabsSettings(json.RawMessage(`{"voice_id":"v1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ModelID != "eleven_multilingual_v2" {
		t.Errorf("ModelID = %q, want eleven_multilingual_v2", s.ModelID)
	}
	if s.Stability != 0.5 || s.SimilarityBoost != 0.75 {
		t.Errorf("voice settings defaults wrong: %+v", s)
	}
	if s.Speed != 1.0 {
		t.Errorf("Speed = %v, want 1.0", s.Speed)
	}
}

func TestParseElevenLabsSettingsMissingVoice(t *testing.T) {
	if _, err := ParseElevenLabsSettings(nil); err == nil {
		t.Fatal("expected error for missing voice_id")
	}
}

func TestSpeedClamping(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		raw      string
		want     float64
	}{
		{"elevenlabs too slow", ProviderElevenLabs, `{"voice_id":"v","speed":0.3}`, 0.7},
		{"elevenlabs too fast", ProviderElevenLabs, `{"voice_id":"v","speed":2.0}`, 1.2},
		{"elevenlabs in range", ProviderElevenLabs, `{"voice_id":"v","speed":1.1}`, 1.1},
		{"cartesia too slow", ProviderCartesia, `{"voice_id":"v","speed":0.1}`, 0.6},
		{"cartesia too fast", ProviderCartesia, `{"voice_id":"v","speed":3.0}`, 1.5},
		{"cartesia in range", ProviderCartesia, `{"voice_id":"v","speed":0.8}`, 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got float64
			switch tt.provider {
			case ProviderElevenLabs:
				s, err := ParseElevenLabsSettings(json.RawMessage(tt.raw))
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				got = s.Speed
			case ProviderCartesia:
				s, err := ParseCartesiaSettings(json.RawMessage(tt.raw))
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				got = s.Speed
			}
			if got != tt.want {
				t.Errorf("speed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateSettings(t *testing.T) {
	if err := ValidateSettings("elevenlabs", json.RawMessage(`{"voice_id":"v1"}`)); err != nil {
		t.Errorf("valid elevenlabs settings rejected: %v", err)
	}
	if err := ValidateSettings("cartesia", json.RawMessage(`{"voice_id":"v1"}`)); err != nil {
		t.Errorf("valid cartesia settings rejected: %v", err)
	}
	if err := ValidateSettings("espeak", nil); err == nil {
		t.Error("unknown provider accepted")
	}
	if err := ValidateSettings("cartesia", json.RawMessage(`{`)); err == nil {
		t.Error("malformed settings blob accepted")
	}
}
