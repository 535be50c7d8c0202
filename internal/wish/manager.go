// Package wish runs the interactive wish-session state machine: a
// channel-point redemption opens a turn-based conversation gated by a
// structured-output model, with debounced redeemer input and a timed chat
// vote deciding the verdict.
package wish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scenecast/scenecast/internal/store"
	"github.com/scenecast/scenecast/internal/twitch"
	"github.com/scenecast/scenecast/pkg/provider/llm"
)

// Session states.
const (
	StateIdle        = "idle"
	StateProcessing  = "processing"
	StateAskFollowup = "ask_followup"
	StateAwaitChat   = "await_chat"
	StateComplete    = "complete"
)

// Terminal outcomes.
const (
	OutcomeGrant     = "grant"
	OutcomeDeny      = "deny"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

const (
	// chatVoteGrace widens the vote-collection window past the sleep so
	// messages racing the timer edge still count.
	chatVoteGrace = 5 * time.Second

	voteMessageLimit = 20

	farewellSpeech = "Looks like our visitor got shy. Maybe next time!"
	apologySpeech  = "Oh dear, the magic seems to be having a little trouble. Let me catch my breath!"
)

// Session is the in-memory state of one active wish session.
type Session struct {
	ID                  string
	RedemptionID        string
	RewardID            string
	RedeemerID          string
	RedeemerLogin       string
	RedeemerDisplayName string
	WishText            string
	State               string
	FollowupCount       int
	Conversation        []store.WishTurn
	Outcome             string
	CreatedAt           time.Time
}

// Status is the snapshot exposed to dashboards and the REST surface.
type Status struct {
	Active              bool   `json:"active"`
	SessionID           string `json:"session_id,omitempty"`
	RedeemerDisplayName string `json:"redeemer_display_name,omitempty"`
	WishText            string `json:"wish_text,omitempty"`
	State               string `json:"state,omitempty"`
	FollowupCount       int    `json:"followup_count"`
	Outcome             string `json:"outcome,omitempty"`
}

// Speaker voices session speech on the overlay character.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Archive persists terminal sessions and serves the returning-visitor
// lookup. *store.Store satisfies it; nil disables archiving.
type Archive interface {
	SaveWishSession(ctx context.Context, rec store.WishSessionRecord) error
	RecentWishSessionsByRedeemer(ctx context.Context, redeemerID string, limit int) ([]store.WishSessionRecord, error)
}

type inboundMessage struct {
	userID string
	text   string
}

// Manager is the global, single-occupancy session machine.
type Manager struct {
	llm     llm.Client
	speaker Speaker
	buffer  *twitch.ChatBuffer
	archive Archive
	cfg     store.WishConfig

	// OnStateChange fires after every state transition; used to broadcast
	// status frames. May be nil.
	OnStateChange func(Status)

	// Refund cancels the originating redemption when a session times out
	// and the config asks for refunds. May be nil.
	Refund func(ctx context.Context, rewardID, redemptionID string)

	// sleep is replaced in tests to skip real waiting.
	sleep func(ctx context.Context, d time.Duration)

	mu        sync.Mutex
	session   *Session
	cancelled bool
	messages  chan inboundMessage

	// speechMu serializes all utterances from the session.
	speechMu sync.Mutex
}

// NewManager wires the state machine. archive may be nil.
func NewManager(client llm.Client, speaker Speaker, buffer *twitch.ChatBuffer, archive Archive, cfg store.WishConfig) *Manager {
	return &Manager{
		llm:      client,
		speaker:  speaker,
		buffer:   buffer,
		archive:  archive,
		cfg:      cfg,
		sleep:    sleepCtx,
		messages: make(chan inboundMessage, 64),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// SetConfig swaps the session configuration; applies to the next session.
func (m *Manager) SetConfig(cfg store.WishConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Config returns the current configuration.
func (m *Manager) Config() store.WishConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// IsActive reports whether a non-terminal session exists.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.State != StateComplete
}

// Status snapshots the current session for dashboards.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Status{}
	}
	return Status{
		Active:              m.session.State != StateComplete,
		SessionID:           m.session.ID,
		RedeemerDisplayName: m.session.RedeemerDisplayName,
		WishText:            m.session.WishText,
		State:               m.session.State,
		FollowupCount:       m.session.FollowupCount,
		Outcome:             m.session.Outcome,
	}
}

// StartSession opens a session for a redemption. Returns false when another
// session is active. The turn loop runs on its own goroutine; progress is
// observable through OnStateChange and Status.
func (m *Manager) StartSession(ctx context.Context, red twitch.Redemption) bool {
	m.mu.Lock()
	if m.session != nil && m.session.State != StateComplete {
		m.mu.Unlock()
		slog.Warn("wish session refused, another is active", "user", red.DisplayName)
		return false
	}
	m.session = &Session{
		ID:                  uuid.NewString(),
		RedemptionID:        red.RedemptionID,
		RewardID:            red.RewardID,
		RedeemerID:          red.UserID,
		RedeemerLogin:       red.UserLogin,
		RedeemerDisplayName: red.DisplayName,
		WishText:            red.UserInput,
		State:               StateIdle,
		CreatedAt:           time.Now(),
	}
	m.cancelled = false
	m.drainMessages()
	m.mu.Unlock()

	slog.Info("wish session started", "user", red.DisplayName, "wish", truncate(red.UserInput, 50))

	userMessage := m.initialMessage(ctx, red)
	go m.processTurn(context.WithoutCancel(ctx), userMessage)
	return true
}

// initialMessage builds the first user turn, with a returning-visitor block
// when the redeemer has archived sessions.
func (m *Manager) initialMessage(ctx context.Context, red twitch.Redemption) string {
	if m.archive == nil {
		return red.UserInput
	}
	past, err := m.archive.RecentWishSessionsByRedeemer(ctx, red.UserID, 3)
	if err != nil {
		slog.Warn("returning-visitor lookup failed", "err", err)
		return red.UserInput
	}
	if len(past) == 0 {
		return red.UserInput
	}

	lines := []string{
		"[RETURNING VISITOR ALERT]",
		fmt.Sprintf("This person (%s) has visited before:", red.DisplayName),
	}
	for _, ps := range past {
		lines = append(lines, fmt.Sprintf("- Wished for %q - Outcome: %s", truncate(ps.WishText, 50), ps.Outcome))
	}
	lines = append(lines,
		"",
		"Consider calling them out playfully if they're trying to get greedy!",
		"",
		"Their new wish: "+red.UserInput,
	)
	return strings.Join(lines, "\n")
}

// CancelSession terminates the active session with the given outcome.
func (m *Manager) CancelSession(ctx context.Context, outcome string) {
	if outcome == "" {
		outcome = OutcomeCancelled
	}
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	m.session.State = StateComplete
	m.session.Outcome = outcome
	m.cancelled = true
	m.mu.Unlock()

	slog.Info("wish session cancelled", "outcome", outcome)
	m.notify()
	m.persist(ctx)
}

// ReceiveChatMessage feeds one chat line into the machine. Only the
// redeemer's messages during ask_followup are queued.
func (m *Manager) ReceiveChatMessage(userID, text string) {
	m.mu.Lock()
	relevant := m.session != nil &&
		m.session.State == StateAskFollowup &&
		m.session.RedeemerID == userID
	m.mu.Unlock()
	if !relevant {
		return
	}
	select {
	case m.messages <- inboundMessage{userID: userID, text: text}:
	default:
		slog.Warn("wish message queue full, dropping chat line")
	}
}

// ForceVerdict injects a dashboard override that drives the model to a
// terminal grant or deny.
func (m *Manager) ForceVerdict(ctx context.Context, verdict string) bool {
	if verdict != OutcomeGrant && verdict != OutcomeDeny {
		return false
	}
	m.mu.Lock()
	active := m.session != nil && m.session.State != StateComplete
	m.mu.Unlock()
	if !active {
		return false
	}

	go m.processTurn(context.WithoutCancel(ctx),
		"[DASHBOARD OVERRIDE] Force verdict: "+strings.ToUpper(verdict))
	return true
}

// SendAsChild injects a dashboard-authored message as if the redeemer had
// spoken it.
func (m *Manager) SendAsChild(ctx context.Context, message string) bool {
	m.mu.Lock()
	active := m.session != nil && m.session.State != StateComplete
	m.mu.Unlock()
	if !active {
		return false
	}
	go m.processTurn(context.WithoutCancel(ctx), message)
	return true
}

// SpeakDirect voices text through the speech lock without touching the
// conversation.
func (m *Manager) SpeakDirect(ctx context.Context, text string) bool {
	if err := m.speak(ctx, text); err != nil {
		slog.Error("direct speech failed", "err", err)
		return false
	}
	return true
}

// InterruptWithMessage runs a one-off completion (outside the session
// conversation) and voices the answer, serialized with session speech.
func (m *Manager) InterruptWithMessage(ctx context.Context, message string) bool {
	cfg := m.Config()
	completion, err := m.llm.Complete(ctx, llm.ChatRequest{
		Model: cfg.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: cfg.SystemPrompt},
			{Role: llm.RoleUser, Content: message},
		},
		Temperature: 0.8,
		MaxTokens:   512,
	})
	if err != nil {
		slog.Error("interruption completion failed", "err", err)
		return false
	}
	if completion.Content == "" {
		return false
	}
	return m.SpeakDirect(ctx, completion.Content)
}

// processTurn advances the conversation one turn: append the user message,
// run the structured completion, voice the speech, dispatch the action.
func (m *Manager) processTurn(ctx context.Context, userMessage string) {
	m.mu.Lock()
	if m.cancelled || m.session == nil {
		m.mu.Unlock()
		return
	}
	m.session.State = StateProcessing
	m.session.Conversation = append(m.session.Conversation, store.WishTurn{
		Role: "user", Content: userMessage,
	})
	cfg := m.cfg
	messages := m.buildMessages(cfg)
	m.mu.Unlock()
	m.notify()

	completion, err := m.llm.Complete(ctx, llm.ChatRequest{
		Model:          cfg.Model,
		Messages:       messages,
		Temperature:    0.8,
		MaxTokens:      512,
		ResponseSchema: &llm.ResponseSchema{Name: "wish_response", Schema: ResponseSchema},
	})
	if err != nil {
		m.failTurn(ctx, err)
		return
	}

	resp := ParseResponse(completion.Content)

	m.mu.Lock()
	if m.session != nil {
		m.session.Conversation = append(m.session.Conversation, store.WishTurn{
			Role:         "assistant",
			Content:      completion.Content,
			ParsedSpeech: resp.Speech,
			ParsedAction: resp.Action,
		})
	}
	cancelled := m.cancelled
	m.mu.Unlock()

	if resp.Speech != "" && !cancelled {
		if err := m.speak(ctx, resp.Speech); err != nil {
			m.failTurn(ctx, err)
			return
		}
	}

	m.handleAction(ctx, resp.Action)
}

// buildMessages renders the system prompt plus the conversation. Caller
// holds m.mu.
func (m *Manager) buildMessages(cfg store.WishConfig) []llm.Message {
	messages := make([]llm.Message, 0, len(m.session.Conversation)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: cfg.SystemPrompt})
	for _, turn := range m.session.Conversation {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

func (m *Manager) failTurn(ctx context.Context, err error) {
	slog.Error("wish turn failed", "err", err)
	if speakErr := m.speak(ctx, apologySpeech); speakErr != nil {
		slog.Error("apology speech failed", "err", speakErr)
	}
	m.mu.Lock()
	if m.session != nil {
		m.session.State = StateComplete
		m.session.Outcome = OutcomeError
	}
	m.mu.Unlock()
	m.notify()
	m.persist(ctx)
}

func (m *Manager) handleAction(ctx context.Context, action string) {
	m.mu.Lock()
	if m.cancelled || m.session == nil {
		m.mu.Unlock()
		return
	}
	cfg := m.cfg

	switch action {
	case ActionAskFollowup:
		if m.session.FollowupCount >= cfg.MaxFollowups {
			slog.Info("max followups reached, coercing to chat vote")
			m.session.State = StateAwaitChat
			m.mu.Unlock()
			m.notify()
			m.waitForChatVote(ctx, cfg)
			return
		}
		m.session.FollowupCount++
		m.session.State = StateAskFollowup
		m.mu.Unlock()
		m.notify()
		m.waitForFollowup(ctx, cfg)

	case ActionGrant, ActionDeny:
		m.session.State = StateComplete
		m.session.Outcome = action
		m.mu.Unlock()
		slog.Info("wish session complete", "outcome", action)
		m.notify()
		m.persist(ctx)

	default:
		// await_chat and anything unrecognized.
		if action != ActionAwaitChat {
			slog.Warn("unknown wish action, defaulting to chat vote", "action", action)
		}
		m.session.State = StateAwaitChat
		m.mu.Unlock()
		m.notify()
		m.waitForChatVote(ctx, cfg)
	}
}

// waitForFollowup blocks for the redeemer's reply: the first message within
// the response timeout starts a debounce window that extends while more
// messages arrive; the joined result feeds the next turn. Silence times the
// session out.
func (m *Manager) waitForFollowup(ctx context.Context, cfg store.WishConfig) {
	var collected []string
	debounce := secondsToDuration(cfg.DebounceSeconds)
	timer := time.NewTimer(secondsToDuration(cfg.ResponseTimeoutSeconds))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.messages:
			if m.isCancelled() {
				return
			}
			collected = append(collected, msg.text)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(debounce)
		case <-timer.C:
			if len(collected) == 0 {
				m.timeoutSession(ctx)
				return
			}
			combined := strings.Join(collected, " ")
			slog.Info("followup collected", "messages", len(collected))
			m.processTurn(ctx, combined)
			return
		}
	}
}

func (m *Manager) timeoutSession(ctx context.Context) {
	m.mu.Lock()
	if m.cancelled || m.session == nil || m.session.State == StateComplete {
		m.mu.Unlock()
		return
	}
	slog.Info("wish followup timed out")
	m.session.State = StateComplete
	m.session.Outcome = OutcomeTimeout
	rewardID, redemptionID := m.session.RewardID, m.session.RedemptionID
	refund := m.cfg.RefundOnTimeout
	m.mu.Unlock()

	if err := m.speak(ctx, farewellSpeech); err != nil {
		slog.Error("farewell speech failed", "err", err)
	}
	m.notify()
	m.persist(ctx)

	if refund && m.Refund != nil && redemptionID != "" {
		m.Refund(ctx, rewardID, redemptionID)
	}
}

// waitForChatVote sleeps through the vote window, snapshots the chat from
// that window plus a grace margin, and feeds the verdict prompt to the next
// turn.
func (m *Manager) waitForChatVote(ctx context.Context, cfg store.WishConfig) {
	voteWindow := secondsToDuration(cfg.ChatVoteSeconds)
	slog.Info("collecting chat verdict", "window", voteWindow)
	m.sleep(ctx, voteWindow)

	if m.isCancelled() || ctx.Err() != nil {
		return
	}

	var chatContext string
	if m.buffer != nil {
		chatContext = twitch.Format(m.buffer.GetRecent(voteWindow+chatVoteGrace), voteMessageLimit)
	}

	var verdict string
	if chatContext != "" {
		verdict = "[ELF COUNCIL VERDICT]\n" +
			"The elves have spoken! Here's what they said:\n\n" +
			chatContext + "\n\n" +
			`Based on their feedback, make your final judgment. Use action "grant" or "deny".`
	} else {
		verdict = "[ELF COUNCIL VERDICT]\n" +
			"The elves are silent... No one spoke up for or against this wish.\n" +
			`Make your own judgment based on the wish. Use action "grant" or "deny".`
	}

	m.processTurn(ctx, verdict)
}

// speak serializes all session speech so no two utterances overlap. With no
// direct completion signal from the overlay, release waits a conservative
// per-character estimate of playback time.
func (m *Manager) speak(ctx context.Context, text string) error {
	m.speechMu.Lock()
	defer m.speechMu.Unlock()

	slog.Info("wish speech", "text", truncate(text, 50))
	if err := m.speaker.Speak(ctx, text); err != nil {
		return fmt.Errorf("wish: speak: %w", err)
	}

	estimate := time.Duration((float64(len(text))*0.1 + 1.0) * float64(time.Second))
	m.sleep(ctx, estimate)
	return nil
}

func (m *Manager) isCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *Manager) notify() {
	if m.OnStateChange != nil {
		m.OnStateChange(m.Status())
	}
}

// persist archives the session at terminal states. Best effort.
func (m *Manager) persist(ctx context.Context) {
	if m.archive == nil {
		return
	}
	m.mu.Lock()
	if m.session == nil || m.session.State != StateComplete {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	rec := store.WishSessionRecord{
		ID:                  m.session.ID,
		RedeemerID:          m.session.RedeemerID,
		RedeemerLogin:       m.session.RedeemerLogin,
		RedeemerDisplayName: m.session.RedeemerDisplayName,
		WishText:            m.session.WishText,
		State:               m.session.State,
		Outcome:             m.session.Outcome,
		FollowupCount:       m.session.FollowupCount,
		Conversation:        append([]store.WishTurn(nil), m.session.Conversation...),
		CreatedAt:           m.session.CreatedAt,
		CompletedAt:         &now,
	}
	m.mu.Unlock()

	if err := m.archive.SaveWishSession(ctx, rec); err != nil {
		slog.Error("wish session archive failed", "err", err)
	}
}

func (m *Manager) drainMessages() {
	for {
		select {
		case <-m.messages:
		default:
			return
		}
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
