// Package twitch integrates the broadcaster platform: an EventSub WebSocket
// feed for chat and channel-point redemptions, a small Helix REST client for
// reward management, and a bounded buffer of recent chat messages.
package twitch

import (
	"strings"
	"sync"
	"time"
)

// DefaultBufferSize bounds the chat ring buffer.
const DefaultBufferSize = 100

// ChatMessage is one chat line as delivered by the event feed.
type ChatMessage struct {
	MessageID   string
	UserID      string
	UserLogin   string
	DisplayName string
	Text        string
	Timestamp   time.Time
}

// ChatBuffer is a bounded ring of recent chat messages. Safe for concurrent
// use.
type ChatBuffer struct {
	mu       sync.Mutex
	messages []ChatMessage
	maxSize  int
}

// NewChatBuffer creates a buffer retaining at most maxSize messages; zero
// means DefaultBufferSize.
func NewChatBuffer(maxSize int) *ChatBuffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &ChatBuffer{maxSize: maxSize}
}

// Add appends a message, evicting the oldest when full. A zero timestamp is
// stamped with the current time.
func (b *ChatBuffer) Add(msg ChatMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	if len(b.messages) > b.maxSize {
		b.messages = b.messages[len(b.messages)-b.maxSize:]
	}
}

// GetRecent returns messages newer than now minus the window, oldest first.
func (b *ChatBuffer) GetRecent(window time.Duration) []ChatMessage {
	cutoff := time.Now().Add(-window)
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []ChatMessage
	for _, m := range b.messages {
		if !m.Timestamp.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// Clear drops all buffered messages.
func (b *ChatBuffer) Clear() {
	b.mu.Lock()
	b.messages = nil
	b.mu.Unlock()
}

// Format renders up to maxMessages of the given messages as prompt context,
// one "[display_name]: text" line each. Empty input yields "".
func Format(messages []ChatMessage, maxMessages int) string {
	if len(messages) == 0 {
		return ""
	}
	if maxMessages > 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = "[" + m.DisplayName + "]: " + m.Text
	}
	return strings.Join(lines, "\n")
}

// Context renders the buffer's recent window directly.
func (b *ChatBuffer) Context(window time.Duration, maxMessages int) string {
	return Format(b.GetRecent(window), maxMessages)
}
