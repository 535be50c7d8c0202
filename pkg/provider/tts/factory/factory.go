// Package factory constructs TTS clients from a character's stored provider
// tag and settings blob.
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/scenecast/scenecast/pkg/provider/tts"
	"github.com/scenecast/scenecast/pkg/provider/tts/cartesia"
	"github.com/scenecast/scenecast/pkg/provider/tts/elevenlabs"
)

// Keys holds the per-provider API keys from the environment.
type Keys struct {
	ElevenLabs string
	Cartesia   string
}

// NewClient builds a synthesis client for the given provider tag. raw is the
// character's stored settings blob; nil selects the provider defaults (which
// still require a voice_id).
func NewClient(provider string, raw json.RawMessage, keys Keys) (tts.Client, error) {
	switch provider {
	case tts.ProviderElevenLabs:
		settings, err := tts.ParseElevenLabsSettings(raw)
		if err != nil {
			return nil, err
		}
		return elevenlabs.NewClient(keys.ElevenLabs, settings)
	case tts.ProviderCartesia:
		settings, err := tts.ParseCartesiaSettings(raw)
		if err != nil {
			return nil, err
		}
		return cartesia.NewClient(keys.Cartesia, settings)
	default:
		return nil, fmt.Errorf("factory: unknown tts provider %q", provider)
	}
}

// NewCatalogue builds a voice/model catalogue client for the given provider.
// Catalogue access needs no voice configuration, only the API key.
func NewCatalogue(provider string, keys Keys) (tts.Catalogue, error) {
	switch provider {
	case tts.ProviderElevenLabs:
		return elevenlabs.NewClient(keys.ElevenLabs, tts.ElevenLabsSettings{
			VoiceID: "catalogue", ModelID: "eleven_multilingual_v2",
			Stability: 0.5, SimilarityBoost: 0.75, Speed: 1.0,
		})
	case tts.ProviderCartesia:
		return cartesia.NewClient(keys.Cartesia, tts.CartesiaSettings{
			VoiceID: "catalogue", ModelID: "sonic-2024-12-12", Language: "en", Speed: 1.0,
		})
	default:
		return nil, fmt.Errorf("factory: unknown tts provider %q", provider)
	}
}
