package elevenlabs

import (
	"unicode"

	"github.com/scenecast/scenecast/pkg/provider/tts"
)

// alignmentParser converts ElevenLabs character-level alignment into
// word-level timings. Upstream chunks split on arbitrary byte boundaries, so
// a word that ends a chunk with no trailing whitespace is held as pending and
// completed by the next chunk (or by the terminal flush).
type alignmentParser struct {
	pendingWord  string
	pendingStart float64
	pendingEnd   float64
	havePending  bool
}

// feed consumes one alignment payload and returns the words completed by it.
// A trailing in-progress word is buffered, not returned.
func (p *alignmentParser) feed(chars []string, starts, ends []float64) []tts.Word {
	var words []tts.Word

	for i, ch := range chars {
		if i >= len(starts) || i >= len(ends) {
			break
		}
		if isSpace(ch) {
			words = p.completePending(words)
			continue
		}
		if !p.havePending {
			p.havePending = true
			p.pendingStart = starts[i]
			p.pendingWord = ""
		}
		p.pendingWord += ch
		p.pendingEnd = ends[i]
	}
	return words
}

// flush completes any still-pending word. Called when the upstream sends its
// terminal marker.
func (p *alignmentParser) flush() []tts.Word {
	return p.completePending(nil)
}

// completePending appends the buffered word to words and resets the buffer.
// Tokens with no letters or digits are not emitted on their own: they are
// appended to the preceding word in the same batch when one exists, and
// dropped otherwise.
func (p *alignmentParser) completePending(words []tts.Word) []tts.Word {
	if !p.havePending {
		return words
	}
	word := tts.Word{Word: p.pendingWord, Start: p.pendingStart, End: p.pendingEnd}
	p.pendingWord = ""
	p.havePending = false

	if !hasAlnum(word.Word) {
		if len(words) > 0 {
			last := &words[len(words)-1]
			last.Word += word.Word
			last.End = word.End
		}
		return words
	}
	return append(words, word)
}

func isSpace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return s != ""
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
