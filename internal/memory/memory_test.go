package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/scenecast/scenecast/pkg/provider/llm"
)

// fakeStore records durable-tier calls in memory.
type fakeStore struct {
	nextID   int64
	rows     map[int64]Message
	order    map[string][]int64
	insError error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]Message), order: make(map[string][]int64)}
}

func (f *fakeStore) InsertMessage(_ context.Context, character string, msg Message) (int64, error) {
	if f.insError != nil {
		return 0, f.insError
	}
	f.nextID++
	f.rows[f.nextID] = msg
	f.order[character] = append(f.order[character], f.nextID)
	return f.nextID, nil
}

func (f *fakeStore) UpdateMessageContent(_ context.Context, id int64, content string) error {
	row, ok := f.rows[id]
	if !ok {
		return errors.New("no such row")
	}
	row.Content = content
	f.rows[id] = row
	return nil
}

func (f *fakeStore) DeleteMessages(_ context.Context, character string) error {
	for _, id := range f.order[character] {
		delete(f.rows, id)
	}
	delete(f.order, character)
	return nil
}

func (f *fakeStore) LoadMessages(_ context.Context, character string) ([]Message, error) {
	var out []Message
	for _, id := range f.order[character] {
		msg := f.rows[id]
		msg.DBID = id
		out = append(out, msg)
	}
	return out, nil
}

func TestAppendPersistsWhenEnabled(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	idx, dbID, err := m.Append(context.Background(), "alice", Message{Role: RoleUser, Content: "hi"}, true)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if idx != 0 || dbID == 0 {
		t.Errorf("idx=%d dbID=%d, want 0 and non-zero", idx, dbID)
	}
	if len(store.rows) != 1 {
		t.Errorf("durable rows = %d, want 1", len(store.rows))
	}
}

func TestAppendSkipsDurableWhenNotPersisting(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	_, dbID, err := m.Append(context.Background(), "alice", Message{Role: RoleUser, Content: "hi"}, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if dbID != 0 || len(store.rows) != 0 {
		t.Errorf("dbID=%d rows=%d, want no durable write", dbID, len(store.rows))
	}
}

func TestUpdateContentReconcilesBothTiers(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	ctx := context.Background()

	idx, dbID, _ := m.Append(ctx, "alice", Message{
		Role: RoleAssistant, Content: "estimated spoken", Interrupted: true, GeneratedText: "full text",
	}, true)

	if err := m.UpdateContent(ctx, "alice", idx, dbID, true, "actually heard"); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	if got := m.Get("alice")[idx].Content; got != "actually heard" {
		t.Errorf("cache content = %q", got)
	}
	if got := store.rows[dbID].Content; got != "actually heard" {
		t.Errorf("durable content = %q", got)
	}
}

func TestUpdateContentIgnoresStaleIndex(t *testing.T) {
	m := New(nil)
	if err := m.UpdateContent(context.Background(), "alice", 5, 0, false, "late"); err != nil {
		t.Fatalf("UpdateContent on stale index: %v", err)
	}
}

func TestClearDeletesBothTiers(t *testing.T) {
	store := newFakeStore()
	m := New(store)
	ctx := context.Background()
	m.Append(ctx, "alice", Message{Role: RoleUser, Content: "hi"}, true)

	if err := m.Clear(ctx, "alice"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if m.Len("alice") != 0 || len(store.rows) != 0 {
		t.Error("clear left entries behind")
	}
}

func TestLoadHydratesFromStore(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	seed := New(store)
	seed.Append(ctx, "alice", Message{Role: RoleUser, Content: "first"}, true)
	seed.Append(ctx, "alice", Message{Role: RoleAssistant, Content: "second"}, true)

	m := New(store)
	if err := m.Load(ctx, "alice"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	msgs := m.Get("alice")
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("loaded = %+v", msgs)
	}
	if msgs[0].DBID == 0 {
		t.Error("loaded message lost its durable id")
	}
}

func TestHistoryReprojectsContext(t *testing.T) {
	m := New(nil)
	ctx := context.Background()
	m.Append(ctx, "alice", Message{Role: RoleContext, Content: "[bob]: lol"}, false)
	m.Append(ctx, "alice", Message{Role: RoleUser, Content: "hello"}, false)
	m.Append(ctx, "alice", Message{Role: RoleAssistant, Content: "hi there"}, false)

	history := m.History("alice")
	if len(history) != 3 {
		t.Fatalf("history size = %d, want 3", len(history))
	}
	if history[0].Role != llm.RoleUser || history[0].Content != "[Twitch chat at the time]:\n[bob]: lol" {
		t.Errorf("context projection = %+v", history[0])
	}
	if history[1].Content != "hello" || history[2].Content != "hi there" {
		t.Errorf("history = %+v", history)
	}
}

func TestHistoryDecodesStructuredContent(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	serialized, err := SerializeParts([]llm.ContentPart{
		llm.TextPart("look at this"),
		llm.ImagePart("image/png", "aGk="),
	})
	if err != nil {
		t.Fatalf("SerializeParts: %v", err)
	}
	m.Append(ctx, "alice", Message{Role: RoleUser, Content: serialized}, false)

	history := m.History("alice")
	if len(history) != 1 {
		t.Fatalf("history size = %d", len(history))
	}
	if len(history[0].Parts) != 2 || history[0].Parts[0].Text != "look at this" {
		t.Errorf("parts = %+v", history[0].Parts)
	}
	if history[0].Parts[1].ImageURL != "data:image/png;base64,aGk=" {
		t.Errorf("image part = %+v", history[0].Parts[1])
	}
}

func TestHistoryKeepsNonJSONBracketContent(t *testing.T) {
	m := New(nil)
	m.Append(context.Background(), "alice", Message{Role: RoleUser, Content: "[not json"}, false)

	history := m.History("alice")
	if history[0].Content != "[not json" || history[0].Parts != nil {
		t.Errorf("fallback = %+v", history[0])
	}
}
