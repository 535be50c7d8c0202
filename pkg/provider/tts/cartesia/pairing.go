package cartesia

import "github.com/scenecast/scenecast/pkg/provider/tts"

// chunkPairer matches Cartesia's separate audio and timestamp messages into
// paired tts.Chunk values.
//
// Audio is emitted immediately while no words are pending, keeping latency
// low. Once words are pending, audio accumulates until the next timestamps
// frame releases audio and words together. flush drains whatever is left when
// the upstream reports done.
type chunkPairer struct {
	pendingAudio []byte
	pendingWords []tts.Word
}

func newChunkPairer() *chunkPairer {
	return &chunkPairer{}
}

func (p *chunkPairer) addAudio(audio []byte) (tts.Chunk, bool) {
	p.pendingAudio = append(p.pendingAudio, audio...)
	if len(p.pendingWords) > 0 {
		return tts.Chunk{}, false
	}
	return p.take()
}

func (p *chunkPairer) addWords(words []tts.Word) (tts.Chunk, bool) {
	p.pendingWords = append(p.pendingWords, words...)
	return p.take()
}

func (p *chunkPairer) flush() (tts.Chunk, bool) {
	return p.take()
}

func (p *chunkPairer) take() (tts.Chunk, bool) {
	if len(p.pendingAudio) == 0 && len(p.pendingWords) == 0 {
		return tts.Chunk{}, false
	}
	chunk := tts.Chunk{Audio: p.pendingAudio, Words: p.pendingWords}
	p.pendingAudio = nil
	p.pendingWords = nil
	return chunk, true
}
