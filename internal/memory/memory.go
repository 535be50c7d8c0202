// Package memory is the two-tier conversation store: an in-memory cache per
// character, optionally mirrored to a durable table. Every mutation touches
// the cache first, then the durable copy, so the two tiers agree after each
// successful call.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/scenecast/scenecast/pkg/provider/llm"
)

// Message roles. Context entries hold live-chat snapshots captured alongside
// a user turn; they are re-projected on history reconstruction so the model
// never mistakes chat for a prior turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleContext   = "context"
)

const contextPrefix = "[Twitch chat at the time]:\n"

// Message is one ordered conversation entry. Content is the serialized form:
// a plain string, or a JSON-encoded array for structured multimodal content.
// GeneratedText is set only on interrupted assistant messages and holds the
// model's complete output; Content then holds what was actually spoken.
type Message struct {
	Role          string
	Content       string
	Interrupted   bool
	GeneratedText string
	CreatedAt     time.Time

	// DBID is the durable row id, zero for cache-only entries.
	DBID int64
}

// Store is the durable tier. A nil Store disables persistence entirely.
type Store interface {
	InsertMessage(ctx context.Context, character string, msg Message) (int64, error)
	UpdateMessageContent(ctx context.Context, id int64, content string) error
	DeleteMessages(ctx context.Context, character string) error
	LoadMessages(ctx context.Context, character string) ([]Message, error)
}

// Memory is the process-wide conversation cache.
type Memory struct {
	mu       sync.Mutex
	messages map[string][]Message
	store    Store
}

// New creates an empty Memory backed by store (nil for cache-only).
func New(store Store) *Memory {
	return &Memory{
		messages: make(map[string][]Message),
		store:    store,
	}
}

// Load hydrates the cache for a character from the durable tier, in
// created-at order. Called at startup for every persistent character.
func (m *Memory) Load(ctx context.Context, character string) error {
	if m.store == nil {
		return nil
	}
	msgs, err := m.store.LoadMessages(ctx, character)
	if err != nil {
		return fmt.Errorf("memory: load %s: %w", character, err)
	}
	m.mu.Lock()
	m.messages[character] = msgs
	m.mu.Unlock()
	return nil
}

// Append adds a message and returns its in-memory index plus the durable row
// id (zero when not persisted). The durable write happens when persist is set
// and a store is configured.
func (m *Memory) Append(ctx context.Context, character string, msg Message, persist bool) (int, int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if persist && m.store != nil {
		id, err := m.store.InsertMessage(ctx, character, msg)
		if err != nil {
			return 0, 0, fmt.Errorf("memory: persist message: %w", err)
		}
		msg.DBID = id
	}

	m.mu.Lock()
	m.messages[character] = append(m.messages[character], msg)
	index := len(m.messages[character]) - 1
	m.mu.Unlock()

	return index, msg.DBID, nil
}

// UpdateContent replaces the content of a previously appended message, used
// to reconcile an interrupted entry with the overlay's authoritative report.
// A stale index (cleared memory, restart) is ignored.
func (m *Memory) UpdateContent(ctx context.Context, character string, index int, dbID int64, persist bool, content string) error {
	m.mu.Lock()
	msgs := m.messages[character]
	if index >= 0 && index < len(msgs) {
		msgs[index].Content = content
	}
	m.mu.Unlock()

	if persist && m.store != nil && dbID != 0 {
		if err := m.store.UpdateMessageContent(ctx, dbID, content); err != nil {
			return fmt.Errorf("memory: update message %d: %w", dbID, err)
		}
	}
	return nil
}

// Clear deletes both tiers for a character.
func (m *Memory) Clear(ctx context.Context, character string) error {
	m.mu.Lock()
	delete(m.messages, character)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteMessages(ctx, character); err != nil {
			return fmt.Errorf("memory: clear %s: %w", character, err)
		}
	}
	return nil
}

// Get returns a snapshot of the character's messages.
func (m *Memory) Get(character string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages[character]))
	copy(out, m.messages[character])
	return out
}

// Len returns the number of cached messages for a character.
func (m *Memory) Len(character string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[character])
}

// History reconstructs the LLM message list: user and assistant entries
// verbatim (structured content decoded), context entries re-projected as
// user messages carrying the chat-snapshot prefix.
func (m *Memory) History(character string) []llm.Message {
	msgs := m.Get(character)
	history := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleContext:
			history = append(history, llm.Message{
				Role:    llm.RoleUser,
				Content: contextPrefix + msg.Content,
			})
		case RoleUser, RoleAssistant:
			history = append(history, decodeMessage(msg))
		}
	}
	return history
}

func decodeMessage(msg Message) llm.Message {
	out := llm.Message{Role: msg.Role, Content: msg.Content}
	if strings.HasPrefix(msg.Content, "[") {
		var parts []llm.ContentPart
		if err := json.Unmarshal([]byte(msg.Content), &parts); err == nil {
			out.Content = ""
			out.Parts = parts
		}
	}
	return out
}

// SerializeParts encodes structured multimodal content for storage.
func SerializeParts(parts []llm.ContentPart) (string, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("memory: serialize content: %w", err)
	}
	return string(data), nil
}
