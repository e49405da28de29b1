// Package engine assembles the sync components into one Session per mounted messaging view.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pliu/msgsync/internal/api"
	"github.com/pliu/msgsync/internal/cache"
	"github.com/pliu/msgsync/internal/config"
	"github.com/pliu/msgsync/internal/deletion"
	"github.com/pliu/msgsync/internal/events"
	"github.com/pliu/msgsync/internal/markers"
	"github.com/pliu/msgsync/internal/metrics"
	"github.com/pliu/msgsync/internal/models"
	"github.com/pliu/msgsync/internal/scheduler"
	"github.com/pliu/msgsync/internal/sender"
	"github.com/pliu/msgsync/internal/unread"
	"github.com/pliu/msgsync/internal/ws"
)

type Options struct {
	Config *config.Config
	// Creds defaults to the token from Config.
	Creds api.CredentialSource
	// KV overrides the marker backend selected by Config.Markers.
	KV         markers.KV
	Log        *zap.Logger
	Registerer prometheus.Registerer
}

type Session struct {
	cfg     *config.Config
	log     *zap.Logger
	self    models.User
	client  *api.Client
	hub     *events.Hub
	cache   *cache.Store
	markers *markers.Registry
	tracker *deletion.Tracker
	counter *unread.Counter
	sender  *sender.Sender
	sched   *scheduler.Scheduler

	cancel    context.CancelFunc
	hubCancel context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	runErr    error
	closeOnce sync.Once
}

// Open builds a session for the configured user, loads deletion markers and starts polling.
func Open(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("engine: config required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("engine: user id required, run login first")
	}
	c := *cfg
	cfg = &c
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("user_id", cfg.UserID))

	kv := opts.KV
	if kv == nil {
		var err error
		if kv, err = OpenMarkers(cfg.Markers); err != nil {
			return nil, err
		}
	}
	creds := opts.Creds
	if creds == nil {
		creds = api.StaticToken(cfg.Token)
	}

	m := metrics.New(opts.Registerer)
	hub := events.NewHub()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	client := api.NewClient(cfg.BaseURL, creds, cfg.RequestTimeout, log.Named("api"))
	registry := markers.NewRegistry(kv, log.Named("markers"))
	store := cache.New(cfg.UserID, cache.WithTolerance(cfg.ReconcileTolerance))

	tracker := deletion.New(deletion.Config{
		UserID:  cfg.UserID,
		Remote:  client,
		Cache:   store,
		Markers: registry,
		Hub:     hub,
		Metrics: m,
		Log:     log.Named("deletion"),
	})
	if err := tracker.Load(ctx); err != nil {
		hubCancel()
		registry.Close()
		return nil, err
	}
	store.SetFilter(tracker)

	counter := unread.New(unread.Config{
		Remote:  client,
		Store:   store,
		Hub:     hub,
		Metrics: m,
		Log:     log.Named("unread"),
		Timeout: cfg.RequestTimeout,
	})
	store.OnUpsert(counter.Recompute)

	sched := scheduler.New(scheduler.Config{
		Remote:     client,
		Store:      store,
		Hub:        hub,
		Metrics:    m,
		Log:        log.Named("scheduler"),
		Interval:   cfg.PollInterval,
		NudgeBurst: cfg.NudgeBurst,
	})

	snd := sender.New(sender.Config{
		UserID:      cfg.UserID,
		Remote:      client,
		Cache:       store,
		Refresh:     sched,
		Hub:         hub,
		Metrics:     m,
		Log:         log.Named("sender"),
		SettleDelay: cfg.SettleDelay,
		Timeout:     cfg.RequestTimeout,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		log:       log,
		self:      models.User{ID: cfg.UserID, Username: cfg.Username},
		client:    client,
		hub:       hub,
		cache:     store,
		markers:   registry,
		tracker:   tracker,
		counter:   counter,
		sender:    snd,
		sched:     sched,
		cancel:    cancel,
		hubCancel: hubCancel,
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.done)
		s.runErr = sched.Run(runCtx)
	}()

	if cfg.NudgeURL != "" {
		l := &ws.Listener{
			URL:    cfg.NudgeURL,
			Token:  creds.Token,
			OnHint: func(ws.Hint) { sched.Nudge() },
			Log:    log.Named("ws"),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			l.Run(runCtx)
		}()
	}

	log.Info("session_opened", zap.Duration("poll_interval", cfg.PollInterval))
	return s, nil
}

func (s *Session) Self() models.User { return s.self }

func (s *Session) Conversations() []models.ConversationSummary {
	return s.cache.Summaries()
}

func (s *Session) Conversation(peerID string) (models.Conversation, bool) {
	return s.cache.Conversation(peerID)
}

func (s *Session) Messages(peerID string) []models.Message {
	return s.cache.Messages(peerID)
}

func (s *Session) UnreadTotal() int {
	return s.counter.Total()
}

func (s *Session) State(peerID string) deletion.State {
	return s.tracker.State(peerID)
}

func (s *Session) Subscribe(buffer int) *events.Subscriber {
	return s.hub.Subscribe(buffer)
}

func (s *Session) Unsubscribe(sub *events.Subscriber) {
	s.hub.Unsubscribe(sub)
}

// Nudge asks the scheduler for an early poll.
func (s *Session) Nudge() bool {
	return s.sched.Nudge()
}

// Done is closed once polling stops, either on Close or after an authorization failure.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped polling, if any. Valid after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.runErr
	default:
		return nil
	}
}

// ResolvePeer finds a user by username in the cache first, then on the server.
func (s *Session) ResolvePeer(ctx context.Context, username string) (models.User, error) {
	if u, ok := s.cache.PeerByUsername(username); ok {
		return u, nil
	}
	u, err := s.client.LookupUser(ctx, username)
	if err != nil {
		return models.User{}, errors.Wrapf(err, "resolve %s", username)
	}
	s.cache.RememberPeer(*u)
	return *u, nil
}

// OpenConversation makes the conversation with username the active one: it is polled on
// every tick and its unread count is reset.
func (s *Session) OpenConversation(ctx context.Context, username string) (models.User, error) {
	peer, err := s.ResolvePeer(ctx, username)
	if err != nil {
		return models.User{}, err
	}
	s.sched.SetActive(peer)
	s.counter.ResetForPeer(ctx, peer)
	if err := s.sched.RefreshMessages(ctx, peer); err != nil {
		s.log.Warn("open_conversation_refresh_failed", zap.String("peer_id", peer.ID), zap.Error(err))
	}
	return peer, nil
}

func (s *Session) CloseConversation() {
	s.sched.ClearActive()
}

// Send shows content in the conversation with peer right away and posts it in the
// background. Whitespace-only content is ignored and reports false.
func (s *Session) Send(ctx context.Context, peer models.User, content string) (models.Message, bool) {
	return s.sender.Send(ctx, peer, content)
}

// Flush waits for sends in flight, including the refresh that follows each of them.
func (s *Session) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sender.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports whether the message with id is still unconfirmed by the server.
func (s *Session) Pending(peerID, id string) bool {
	for _, m := range s.cache.Messages(peerID) {
		if m.ID == id {
			return m.Local
		}
	}
	return false
}

func (s *Session) SetDraft(peerID, text string) { s.sender.SetDraft(peerID, text) }

func (s *Session) Draft(peerID string) string { return s.sender.Draft(peerID) }

// DeleteConversation hides the conversation with peer for good. The returned error only
// reports a failure to persist the deletion.
func (s *Session) DeleteConversation(ctx context.Context, peer models.User) error {
	if active, ok := s.sched.Active(); ok && active.ID == peer.ID {
		s.sched.ClearActive()
	}
	return s.tracker.Delete(ctx, peer)
}

// RefreshConversations runs one conversation list fetch outside the poll cycle.
func (s *Session) RefreshConversations(ctx context.Context) error {
	return s.sched.RefreshConversations(ctx)
}

// Close tears the session down. Late network completions become no-ops and the unread
// total is refreshed from the server one last time.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.sender.Close()
		s.wg.Wait()
		s.cache.Close()

		rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		if rerr := s.counter.RefreshGlobal(rctx); rerr != nil && !errors.Is(rerr, api.ErrNotAuthenticated) {
			s.log.Warn("unread_refresh_failed", zap.Error(rerr))
		}
		cancel()

		waitTimeout(s.log, s.sender.Wait, s.cfg.RequestTimeout)
		waitTimeout(s.log, s.counter.Wait, s.cfg.RequestTimeout)

		err = s.markers.Close()
		s.hubCancel()
		s.log.Info("session_closed", zap.Int("unread_total", s.counter.Total()))
	})
	return err
}

func waitTimeout(log *zap.Logger, wait func(), d time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		log.Warn("teardown_wait_timed_out", zap.Duration("after", d))
	}
}
