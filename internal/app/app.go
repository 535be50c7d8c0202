// Package app wires all Scenecast subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP (and optionally HTTPS) plus the background
// loops, and Shutdown tears everything down in order.
package app

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scenecast/scenecast/internal/config"
	"github.com/scenecast/scenecast/internal/health"
	"github.com/scenecast/scenecast/internal/httpapi"
	"github.com/scenecast/scenecast/internal/hub"
	"github.com/scenecast/scenecast/internal/memory"
	"github.com/scenecast/scenecast/internal/observe"
	"github.com/scenecast/scenecast/internal/pipeline"
	"github.com/scenecast/scenecast/internal/protocol"
	"github.com/scenecast/scenecast/internal/stage"
	"github.com/scenecast/scenecast/internal/store"
	"github.com/scenecast/scenecast/internal/tlsutil"
	"github.com/scenecast/scenecast/internal/twitch"
	"github.com/scenecast/scenecast/internal/wish"
	"github.com/scenecast/scenecast/pkg/provider/llm"
	"github.com/scenecast/scenecast/pkg/provider/llm/openrouter"
	"github.com/scenecast/scenecast/pkg/provider/tts"
	"github.com/scenecast/scenecast/pkg/provider/tts/factory"
)

const (
	chatBufferSize  = 100
	shutdownTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	db          *store.Store
	memdb       *memDB
	hub         *hub.Hub
	stage       *stage.Stage
	memory      *memory.Memory
	buffer      *twitch.ChatBuffer
	coordinator *pipeline.Coordinator
	llm         llm.Client
	helix       *twitch.Helix
	wish        *wish.Manager
	server      *httpapi.Server
	metrics     *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLLM injects a language-model client instead of building one from the
// environment keys.
func WithLLM(c llm.Client) Option {
	return func(a *App) { a.llm = c }
}

// New creates an App by wiring all subsystems together. Version and buildID
// are stamped into hello frames and /api/version.
func New(ctx context.Context, cfg *config.Config, version, buildID string, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.initRuntime()
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initWish(ctx); err != nil {
		return nil, fmt.Errorf("app: init wish: %w", err)
	}
	a.initServer(version, buildID)

	if err := a.hydrateMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: hydrate memory: %w", err)
	}

	return a, nil
}

// initStore connects the durable layer. An empty DSN runs the server
// cache-only: characters, presets and memory live until restart.
func (a *App) initStore(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		slog.Warn("running without a database; nothing will survive restarts")
		a.memdb = newMemDB()
		return nil
	}
	db, err := store.New(ctx, a.cfg.Database.DSN)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, func() error {
		db.Close()
		return nil
	})
	return nil
}

func (a *App) initRuntime() {
	a.hub = hub.New()

	var recorder stage.PlaybackRecorder
	var memStore memory.Store
	if a.db != nil {
		recorder = a.db
		memStore = a.db
	}
	a.stage = stage.New(a.hub, recorder)
	a.memory = memory.New(memStore)
	a.buffer = twitch.NewChatBuffer(chatBufferSize)
	a.coordinator = pipeline.NewCoordinator(a.stage, a.memory)
}

func (a *App) initProviders() error {
	if a.llm == nil {
		if a.cfg.Keys.OpenRouter == "" {
			slog.Warn("OPENROUTER_API_KEY not set; chat and wish sessions are disabled")
			a.llm = unavailableClient{}
		} else {
			client, err := openrouter.New(a.cfg.Keys.OpenRouter)
			if err != nil {
				return err
			}
			a.llm = newGuardedLLM(client, a.metrics)
		}
	}

	a.helix = twitch.NewHelix(a.cfg.Keys.TwitchClientID)
	return nil
}

func (a *App) initWish(ctx context.Context) error {
	cfg := store.DefaultWishConfig()
	if a.db != nil {
		loaded, err := a.db.GetWishConfig(ctx)
		if err == nil {
			cfg = loaded
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	var archive wish.Archive = a.memdb
	if a.db != nil {
		archive = a.db
	}
	a.wish = wish.NewManager(a.llm, &wishSpeaker{app: a}, a.buffer, archive, cfg)
	a.wish.OnStateChange = func(st wish.Status) {
		a.hub.BroadcastWishStatus(protocol.WishStatusUpdate(protocol.WishStatus{
			Active:              st.Active,
			SessionID:           st.SessionID,
			RedeemerDisplayName: st.RedeemerDisplayName,
			WishText:            st.WishText,
			State:               st.State,
			FollowupCount:       st.FollowupCount,
			Outcome:             st.Outcome,
		}))
		if st.Outcome != "" {
			a.metrics.RecordWishOutcome(context.Background(), st.Outcome)
		}
	}
	a.wish.Refund = a.refundRedemption
	return nil
}

func (a *App) initServer(version, buildID string) {
	keys := factory.Keys{
		ElevenLabs: a.cfg.Keys.ElevenLabs,
		Cartesia:   a.cfg.Keys.Cartesia,
	}

	checkers := []health.Checker{}
	if a.db != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.db.Ping})
	}

	srv := &httpapi.Server{
		Hub:         a.hub,
		Stage:       a.stage,
		Coordinator: a.coordinator,
		Memory:      a.memory,
		Buffer:      a.buffer,
		Wish:        a.wish,
		Helix:       a.helix,
		LLM:         a.llm,
		Health:      health.New(checkers...),
		NewTTSClient: func(provider string, settings json.RawMessage) (tts.Client, error) {
			return factory.NewClient(provider, settings, keys)
		},
		NewCatalogue: func(provider string) (tts.Catalogue, error) {
			return factory.NewCatalogue(provider, keys)
		},
		OnWishConfigSaved: a.applyWishConfig,
		Version:           version,
		BuildID:           buildID,
	}
	if a.db != nil {
		srv.DB = a.db
	} else {
		srv.DB = a.memdb
	}
	a.server = srv
}

// hydrateMemory loads the durable conversation tier for every character that
// persists memory.
func (a *App) hydrateMemory(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	names, err := a.db.PersistentCharacters(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := a.memory.Load(ctx, name); err != nil {
			return err
		}
		slog.Info("hydrated conversation memory", "character", name, "messages", a.memory.Len(name))
	}
	return nil
}

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	handler := observe.Middleware(a.metrics)(a.server.Routes())

	g, ctx := errgroup.WithContext(ctx)

	httpAddr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	httpSrv := &http.Server{Addr: httpAddr, Handler: handler}
	g.Go(func() error { return a.serve(ctx, httpSrv, "http") })

	if a.cfg.Server.CertDir != "" {
		cert, err := tlsutil.EnsureCertificate(a.cfg.Server.CertDir, a.cfg.Server.Host)
		if err != nil {
			return fmt.Errorf("app: tls material: %w", err)
		}
		httpsAddr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.HTTPSPort()))
		httpsSrv := &http.Server{
			Addr:      httpsAddr,
			Handler:   handler,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
		g.Go(func() error { return a.serve(ctx, httpsSrv, "https") })
	}

	g.Go(func() error { return a.hub.RunHeartbeat(ctx) })
	g.Go(func() error {
		a.runEventFeed(ctx)
		return nil
	})

	slog.Info("scenecast running", "addr", httpAddr, "https", a.cfg.Server.CertDir != "")
	return g.Wait()
}

func (a *App) serve(ctx context.Context, srv *http.Server, scheme string) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "scheme", scheme, "err", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: %s server: %w", scheme, err)
	}
}

// runEventFeed connects the platform event stream when a token is stored.
// Token absence is not an error: the feed simply retries after an interval so
// connecting the account from the dashboard picks it up without a restart.
func (a *App) runEventFeed(ctx context.Context) {
	for {
		a.runEventFeedOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}
	}
}

// tokenStore returns whichever layer holds the platform token.
func (a *App) tokenStore() httpapi.TwitchStore {
	if a.db != nil {
		return a.db
	}
	return a.memdb
}

func (a *App) runEventFeedOnce(ctx context.Context) {
	tok, err := a.tokenStore().GetTwitchToken(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("load platform token", "err", err)
		}
		return
	}
	info, err := a.helix.ValidateToken(ctx, tok.AccessToken)
	if err != nil {
		slog.Warn("platform token invalid, skipping event feed", "err", err)
		return
	}

	feed := twitch.NewEventSub(a.helix, a.buffer, twitch.EventSubConfig{
		AccessToken:   tok.AccessToken,
		BroadcasterID: info.UserID,
	})
	feed.OnChatMessage = a.onChatMessage
	feed.OnRedemption = a.onRedemption

	if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("event feed stopped", "err", err)
	}
}

func (a *App) onChatMessage(msg twitch.ChatMessage) {
	a.metrics.ChatMessages.Add(context.Background(), 1)
	a.wish.ReceiveChatMessage(msg.UserID, msg.Text)
	a.hub.BroadcastChat(protocol.ChatMessageFrame{
		Type:        protocol.TypeChatMessage,
		UserID:      msg.UserID,
		UserLogin:   msg.UserLogin,
		DisplayName: msg.DisplayName,
		Text:        msg.Text,
		Timestamp:   msg.Timestamp.Format(time.RFC3339),
	})
}

// onRedemption starts a wish session when the redeemed reward matches the
// configured one. The filter lives here rather than in the subscription so a
// config change does not force a feed reconnect.
func (a *App) onRedemption(red twitch.Redemption) {
	cfg := a.wish.Config()
	if !cfg.Enabled || cfg.RewardID == "" || red.RewardID != cfg.RewardID {
		return
	}
	go func() {
		if !a.wish.StartSession(context.Background(), red) {
			slog.Info("wish session refused, one already active", "user", red.DisplayName)
		}
	}()
}

// applyWishConfig keeps the platform reward's enabled flag in lockstep with
// the saved configuration. Best effort.
func (a *App) applyWishConfig(ctx context.Context, cfg store.WishConfig) {
	if cfg.RewardID == "" {
		return
	}
	tok, err := a.tokenStore().GetTwitchToken(ctx)
	if err != nil {
		return
	}
	info, err := a.helix.ValidateToken(ctx, tok.AccessToken)
	if err != nil {
		return
	}
	if err := a.helix.SetRewardEnabled(ctx, tok.AccessToken, info.UserID, cfg.RewardID, cfg.Enabled); err != nil {
		slog.Warn("reward enable sync failed", "reward", cfg.RewardID, "err", err)
	}
}

// refundRedemption cancels a redemption so the points flow back.
func (a *App) refundRedemption(ctx context.Context, rewardID, redemptionID string) {
	tok, err := a.tokenStore().GetTwitchToken(ctx)
	if err != nil {
		slog.Warn("refund skipped, no platform token", "err", err)
		return
	}
	info, err := a.helix.ValidateToken(ctx, tok.AccessToken)
	if err != nil {
		slog.Warn("refund skipped, token invalid", "err", err)
		return
	}
	if err := a.helix.UpdateRedemptionStatus(ctx, tok.AccessToken, info.UserID, rewardID, redemptionID, "CANCELED"); err != nil {
		slog.Warn("refund failed", "redemption", redemptionID, "err", err)
	}
}

// Shutdown tears down all subsystems in order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// wishSpeaker voices wish-session speech on the configured character through
// the same generation path the REST surface uses.
type wishSpeaker struct {
	app *App
}

func (s *wishSpeaker) Speak(ctx context.Context, text string) error {
	character := s.app.wish.Config().Character
	if character == "" {
		return errors.New("app: no wish character configured")
	}
	return s.app.server.SpeakText(ctx, character, text)
}

// unavailableClient stands in when no upstream key is configured, failing
// generation requests with a clear error instead of a nil dereference.
type unavailableClient struct{}

func (unavailableClient) StreamChat(context.Context, llm.ChatRequest) (llm.Stream, error) {
	return nil, errors.New("llm: no upstream API key configured")
}

func (unavailableClient) Complete(context.Context, llm.ChatRequest) (llm.Completion, error) {
	return llm.Completion{}, errors.New("llm: no upstream API key configured")
}
