package tts

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Speed bounds accepted by each provider. Out-of-range values are clamped
// with a warning rather than rejected, so a stored character never becomes
// unspeakable after a provider tightens its range.
const (
	ElevenLabsMinSpeed = 0.7
	ElevenLabsMaxSpeed = 1.2
	CartesiaMinSpeed   = 0.6
	CartesiaMaxSpeed   = 1.5
)

// ElevenLabsSettings configures one ElevenLabs synthesis session.
type ElevenLabsSettings struct {
	VoiceID         string  `json:"voice_id"`
	ModelID         string  `json:"model_id"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	Speed           float64 `json:"speed"`
}

// DefaultElevenLabsSettings returns the settings applied when a character
// carries no stored provider settings.
func DefaultElevenLabsSettings() ElevenLabsSettings {
	return ElevenLabsSettings{
		ModelID:         "eleven_multilingual_v2",
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0,
		Speed:           1.0,
	}
}

// Validate checks required fields and clamps speed into the provider range.
func (s *ElevenLabsSettings) Validate() error {
	if s.VoiceID == "" {
		return fmt.Errorf("tts: elevenlabs settings: voice_id is required")
	}
	if s.ModelID == "" {
		s.ModelID = "eleven_multilingual_v2"
	}
	s.Speed = clampSpeed("elevenlabs", s.Speed, ElevenLabsMinSpeed, ElevenLabsMaxSpeed)
	return nil
}

// CartesiaSettings configures one Cartesia synthesis session.
type CartesiaSettings struct {
	VoiceID  string   `json:"voice_id"`
	ModelID  string   `json:"model_id"`
	Language string   `json:"language"`
	Speed    float64  `json:"speed"`
	Emotion  []string `json:"emotion,omitempty"`
}

// DefaultCartesiaSettings returns the settings applied when a character
// carries no stored provider settings.
func DefaultCartesiaSettings() CartesiaSettings {
	return CartesiaSettings{
		ModelID:  "sonic-2024-12-12",
		Language: "en",
		Speed:    1.0,
	}
}

// Validate checks required fields and clamps speed into the provider range.
func (s *CartesiaSettings) Validate() error {
	if s.VoiceID == "" {
		return fmt.Errorf("tts: cartesia settings: voice_id is required")
	}
	if s.ModelID == "" {
		s.ModelID = "sonic-2024-12-12"
	}
	if s.Language == "" {
		s.Language = "en"
	}
	s.Speed = clampSpeed("cartesia", s.Speed, CartesiaMinSpeed, CartesiaMaxSpeed)
	return nil
}

// ParseElevenLabsSettings decodes a stored settings blob over the defaults.
// A nil or empty blob yields the defaults; voice_id must still be present.
func ParseElevenLabsSettings(raw json.RawMessage) (ElevenLabsSettings, error) {
	s := DefaultElevenLabsSettings()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return ElevenLabsSettings{}, fmt.Errorf("tts: parse elevenlabs settings: %w", err)
		}
	}
	if err := s.Validate(); err != nil {
		return ElevenLabsSettings{}, err
	}
	return s, nil
}

// ParseCartesiaSettings decodes a stored settings blob over the defaults.
func ParseCartesiaSettings(raw json.RawMessage) (CartesiaSettings, error) {
	s := DefaultCartesiaSettings()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return CartesiaSettings{}, fmt.Errorf("tts: parse cartesia settings: %w", err)
		}
	}
	if err := s.Validate(); err != nil {
		return CartesiaSettings{}, err
	}
	return s, nil
}

// ValidateSettings checks a provider tag plus settings blob without
// constructing a client. Used by the character REST surface before persisting.
func ValidateSettings(provider string, raw json.RawMessage) error {
	switch provider {
	case ProviderElevenLabs:
		_, err := ParseElevenLabsSettings(raw)
		return err
	case ProviderCartesia:
		_, err := ParseCartesiaSettings(raw)
		return err
	default:
		return fmt.Errorf("tts: unknown provider %q", provider)
	}
}

func clampSpeed(provider string, speed, min, max float64) float64 {
	if speed == 0 {
		return 1.0
	}
	if speed < min {
		slog.Warn("tts speed below provider range, clamping",
			"provider", provider, "speed", speed, "min", min)
		return min
	}
	if speed > max {
		slog.Warn("tts speed above provider range, clamping",
			"provider", provider, "speed", speed, "max", max)
		return max
	}
	return speed
}
