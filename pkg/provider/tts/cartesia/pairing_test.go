package cartesia

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/scenecast/scenecast/pkg/provider/tts"
)

func TestAudioFlowsImmediatelyWithoutPendingWords(t *testing.T) {
	p := newChunkPairer()

	chunk, ok := p.addAudio([]byte{1, 2, 3})
	if !ok {
		t.Fatal("audio-only chunk withheld")
	}
	if !bytes.Equal(chunk.Audio, []byte{1, 2, 3}) || len(chunk.Words) != 0 {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
}

func TestTimestampsPairWithAccumulatedAudio(t *testing.T) {
	p := newChunkPairer()

	words := []tts.Word{{Word: "hi", Start: 0, End: 0.2}}
	if _, ok := p.addWords(nil); ok {
		t.Fatal("empty timestamps frame emitted a chunk")
	}

	chunk, ok := p.addWords(words)
	if !ok {
		t.Fatal("timestamps frame with words withheld")
	}
	if !reflect.DeepEqual(chunk.Words, words) {
		t.Errorf("words = %+v, want %+v", chunk.Words, words)
	}

	// Audio arriving while words were pending would have been held; after the
	// pairer drains, new audio flows again.
	chunk, ok = p.addAudio([]byte{9})
	if !ok || !bytes.Equal(chunk.Audio, []byte{9}) {
		t.Errorf("audio after drain: ok=%v chunk=%+v", ok, chunk)
	}
}

func TestFlushDrainsRemainder(t *testing.T) {
	p := newChunkPairer()

	p.pendingAudio = []byte{7, 8}
	p.pendingWords = []tts.Word{{Word: "end", Start: 1, End: 1.5}}

	chunk, ok := p.flush()
	if !ok {
		t.Fatal("flush with pending data emitted nothing")
	}
	if !bytes.Equal(chunk.Audio, []byte{7, 8}) || len(chunk.Words) != 1 {
		t.Errorf("unexpected chunk: %+v", chunk)
	}

	if _, ok := p.flush(); ok {
		t.Error("second flush emitted a chunk")
	}
}

func TestBuildRequestShape(t *testing.T) {
	client, err := NewClient("key", tts.CartesiaSettings{
		VoiceID: "v1",
		Speed:   1.2,
		Emotion: []string{"curiosity"},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	s := &session{client: client, contextID: "ctx-1"}

	req := s.buildRequest("hello", false)
	if req.ModelID != "sonic-2024-12-12" {
		t.Errorf("ModelID = %q, want default sonic-2024-12-12", req.ModelID)
	}
	if !req.Continue {
		t.Error("non-final fragment must set continue=true")
	}
	if !req.AddTimes {
		t.Error("add_timestamps must be set")
	}
	if req.OutputFormat.Container != "raw" || req.OutputFormat.Encoding != "pcm_s16le" || req.OutputFormat.SampleRate != 24000 {
		t.Errorf("unexpected output format: %+v", req.OutputFormat)
	}
	if req.GenConfig == nil || req.GenConfig.Speed != 1.2 {
		t.Errorf("generation_config speed not carried: %+v", req.GenConfig)
	}
	if req.Voice.Controls == nil || len(req.Voice.Controls.Emotion) != 1 {
		t.Errorf("emotion controls not carried: %+v", req.Voice.Controls)
	}

	final := s.buildRequest("", true)
	if final.Continue {
		t.Error("final fragment must set continue=false")
	}
}
