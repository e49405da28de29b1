// Package sender shows an outgoing message immediately and confirms it with the server in
// the background.
package sender

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/msgsync/internal/api"
	"github.com/pliu/msgsync/internal/events"
	"github.com/pliu/msgsync/internal/metrics"
	"github.com/pliu/msgsync/internal/models"
)

const DefaultSettleDelay = time.Second

type Remote interface {
	SendMessage(ctx context.Context, username, content string) (*models.Message, error)
}

// Cache is the part of cache.Store the sender writes to.
type Cache interface {
	AppendLocal(peerID string, msg models.Message)
	ConfirmLocal(peerID, tempID string, msg models.Message)
}

// Refresher re-fetches a conversation once the server has had time to settle.
type Refresher interface {
	RefreshMessages(ctx context.Context, peer models.User) error
}

type Config struct {
	UserID  string
	Remote  Remote
	Cache   Cache
	Refresh Refresher
	Hub     *events.Hub
	Metrics *metrics.Metrics
	Log     *zap.Logger
	// SettleDelay is how long after a send the conversation is re-fetched.
	SettleDelay time.Duration
	Timeout     time.Duration
}

type Sender struct {
	self        string
	remote      Remote
	cache       Cache
	refresh     Refresher
	hub         *events.Hub
	metrics     *metrics.Metrics
	log         *zap.Logger
	settleDelay time.Duration
	timeout     time.Duration
	now         func() time.Time

	mu     sync.Mutex
	drafts map[string]string

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config) *Sender {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Sender{
		self:        cfg.UserID,
		remote:      cfg.Remote,
		cache:       cfg.Cache,
		refresh:     cfg.Refresh,
		hub:         cfg.Hub,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
		settleDelay: cfg.SettleDelay,
		timeout:     cfg.Timeout,
		now:         time.Now,
		drafts:      make(map[string]string),
		done:        make(chan struct{}),
	}
}

func (s *Sender) SetDraft(peerID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" {
		delete(s.drafts, peerID)
		return
	}
	s.drafts[peerID] = text
}

func (s *Sender) Draft(peerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[peerID]
}

// Send appends content to the conversation with peer as a local message and posts it in
// the background. Whitespace-only content does nothing and reports false.
func (s *Sender) Send(ctx context.Context, peer models.User, content string) (models.Message, bool) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, false
	}

	at := s.now()
	local := models.Message{
		ID:          models.TempID(at),
		Content:     content,
		Timestamp:   at,
		Read:        true,
		SenderID:    s.self,
		RecipientID: peer.ID,
		Local:       true,
	}
	s.cache.AppendLocal(peer.ID, local)
	s.SetDraft(peer.ID, "")

	// the post outlives the view that started it
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.post(bg, peer, local)
		s.settle(bg, peer)
	}()
	return local, true
}

func (s *Sender) post(ctx context.Context, peer models.User, local models.Message) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	created, err := s.remote.SendMessage(ctx, peer.Username, local.Content)
	if err != nil {
		s.metrics.Send(metrics.ResultError)
		s.log.Warn("send_failed", zap.String("peer_id", peer.ID), zap.String("temp_id", local.ID), zap.Error(err))
		s.hub.Publish(events.Event{Kind: events.SendFailed, PeerID: peer.ID, MessageID: local.ID, Err: err})
		if api.IsAuth(err) {
			s.hub.Publish(events.Event{Kind: events.Unauthorized, Err: err})
		}
		return
	}
	s.metrics.Send(metrics.ResultOK)
	if created != nil {
		s.cache.ConfirmLocal(peer.ID, local.ID, *created)
	}
}

func (s *Sender) settle(ctx context.Context, peer models.User) {
	if s.refresh == nil {
		return
	}
	timer := time.NewTimer(s.settleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.done:
		return
	}
	if err := s.refresh.RefreshMessages(ctx, peer); err != nil {
		s.log.Debug("settle_refresh_failed", zap.String("peer_id", peer.ID), zap.Error(err))
	}
}

// Close skips pending settle refreshes. Posts already in flight still complete.
func (s *Sender) Close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Wait blocks until every background send has finished.
func (s *Sender) Wait() {
	s.wg.Wait()
}
