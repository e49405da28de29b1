// Package scheduler drives periodic refreshes of the conversation list and the open
// conversation while a messaging view is mounted.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pliu/msgsync/internal/api"
	"github.com/pliu/msgsync/internal/events"
	"github.com/pliu/msgsync/internal/metrics"
	"github.com/pliu/msgsync/internal/models"
)

const (
	DefaultInterval   = 10 * time.Second
	DefaultNudgeBurst = 3
)

type Remote interface {
	ListConversations(ctx context.Context) ([]models.ConversationSummary, error)
	Messages(ctx context.Context, username string) ([]models.Message, error)
}

type Store interface {
	UpsertConversations(list []models.ConversationSummary)
	UpsertMessages(peerID string, list []models.Message)
}

type Config struct {
	Remote   Remote
	Store    Store
	Hub      *events.Hub
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Interval time.Duration
	// NudgeBurst bounds how many early ticks may be requested back to back; the
	// sustained rate is one per Interval.
	NudgeBurst int
}

type Scheduler struct {
	remote   Remote
	store    Store
	hub      *events.Hub
	metrics  *metrics.Metrics
	log      *zap.Logger
	interval time.Duration
	limiter  *rate.Limiter
	nudge    chan struct{}

	mu      sync.Mutex
	active  *models.User
	issued  map[string]uint64
	applied map[string]uint64
	stopped bool

	wg sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.NudgeBurst <= 0 {
		cfg.NudgeBurst = DefaultNudgeBurst
	}
	return &Scheduler{
		remote:   cfg.Remote,
		store:    cfg.Store,
		hub:      cfg.Hub,
		metrics:  cfg.Metrics,
		log:      cfg.Log,
		interval: cfg.Interval,
		limiter:  rate.NewLimiter(rate.Every(cfg.Interval), cfg.NudgeBurst),
		nudge:    make(chan struct{}, 1),
		issued:   make(map[string]uint64),
		applied:  make(map[string]uint64),
	}
}

// SetActive makes peer the conversation refreshed on every tick.
func (s *Scheduler) SetActive(peer models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := peer
	s.active = &p
}

func (s *Scheduler) ClearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

func (s *Scheduler) Active() (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return models.User{}, false
	}
	return *s.active, true
}

// Nudge asks for an early tick. It reports false when the request was rate limited.
func (s *Scheduler) Nudge() bool {
	if !s.limiter.Allow() {
		return false
	}
	select {
	case s.nudge <- struct{}{}:
	default:
	}
	return true
}

// Run ticks immediately and then every interval until ctx is done, which returns nil. An
// authorization failure stops polling and is returned; nothing is retried after it.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()

	authErr := make(chan error, 1)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx, authErr)
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return nil
		case err := <-authErr:
			cancel()
			s.stop()
			s.log.Warn("polling_stopped", zap.Error(err))
			return err
		case <-ticker.C:
			s.tick(ctx, authErr)
		case <-s.nudge:
			s.tick(ctx, authErr)
		}
	}
}

// stop marks the scheduler torn down and waits for in-flight fetches, whose results are
// discarded.
func (s *Scheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context, authErr chan<- error) {
	report := func(err error) {
		if api.IsAuth(err) {
			select {
			case authErr <- err:
			default:
			}
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report(s.RefreshConversations(ctx))
	}()

	if peer, ok := s.Active(); ok {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			report(s.RefreshMessages(ctx, peer))
		}()
	}
}

// RefreshConversations fetches the conversation list once and merges it into the store.
func (s *Scheduler) RefreshConversations(ctx context.Context) error {
	const target = "conversations"
	seq := s.issue(target)
	list, err := s.remote.ListConversations(ctx)
	if err != nil {
		return s.failed(metrics.KindConversations, "", err)
	}
	if !s.apply(target, seq, func() { s.store.UpsertConversations(list) }) {
		s.metrics.Poll(metrics.KindConversations, metrics.ResultStale)
		return nil
	}
	s.metrics.Poll(metrics.KindConversations, metrics.ResultOK)
	s.hub.Publish(events.Event{Kind: events.ConversationsUpdated})
	return nil
}

// RefreshMessages fetches one conversation once and merges it into the store.
func (s *Scheduler) RefreshMessages(ctx context.Context, peer models.User) error {
	if peer.ID == "" || peer.Username == "" {
		return errors.New("scheduler: peer id and username required")
	}
	target := "messages:" + peer.ID
	seq := s.issue(target)
	list, err := s.remote.Messages(ctx, peer.Username)
	if err != nil {
		return s.failed(metrics.KindMessages, peer.ID, err)
	}
	if !s.apply(target, seq, func() { s.store.UpsertMessages(peer.ID, list) }) {
		s.metrics.Poll(metrics.KindMessages, metrics.ResultStale)
		return nil
	}
	s.metrics.Poll(metrics.KindMessages, metrics.ResultOK)
	s.hub.Publish(events.Event{Kind: events.MessagesUpdated, PeerID: peer.ID})
	return nil
}

func (s *Scheduler) issue(target string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued[target]++
	return s.issued[target]
}

// apply runs merge unless the scheduler is torn down or a fetch issued later for the same
// target was already applied.
func (s *Scheduler) apply(target string, seq uint64, merge func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || seq < s.applied[target] {
		return false
	}
	s.applied[target] = seq
	merge()
	return true
}

func (s *Scheduler) failed(kind, peerID string, err error) error {
	switch {
	case errors.Is(err, api.ErrNotAuthenticated):
		s.metrics.Poll(kind, metrics.ResultSkipped)
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	case api.IsAuth(err):
		s.metrics.Poll(kind, metrics.ResultError)
		s.log.Warn("poll_unauthorized", zap.String("kind", kind), zap.Error(err))
		s.hub.Publish(events.Event{Kind: events.Unauthorized, PeerID: peerID, Err: err})
		return err
	}
	s.metrics.Poll(kind, metrics.ResultError)
	s.log.Warn("poll_failed", zap.String("kind", kind), zap.String("peer_id", peerID), zap.Error(err))
	return errors.Wrapf(err, "poll %s", kind)
}
