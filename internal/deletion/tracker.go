// Package deletion makes "delete conversation" sticky against stale polls.
//
// Each (local user, peer) pair is either Active or Deleted. Deleting is one-way in the
// product: the only way back is the maintenance Clear, and messaging the same peer again
// starts a fresh conversation instead of restoring the old one.
package deletion

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pliu/msgsync/internal/events"
	"github.com/pliu/msgsync/internal/markers"
	"github.com/pliu/msgsync/internal/metrics"
	"github.com/pliu/msgsync/internal/models"
)

type State int

const (
	Active State = iota
	Deleted
)

func (s State) String() string {
	if s == Deleted {
		return "DELETED"
	}
	return "ACTIVE"
}

// Remote is the best-effort server side of a deletion.
type Remote interface {
	DeleteConversation(ctx context.Context, username string) error
}

// Forgetter drops cached conversation data.
type Forgetter interface {
	Forget(peerID string)
}

type Tracker struct {
	self    string
	remote  Remote
	cache   Forgetter
	markers *markers.Registry
	hub     *events.Hub
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	deleted map[string]time.Time
}

type Config struct {
	UserID  string
	Remote  Remote
	Cache   Forgetter
	Markers *markers.Registry
	Hub     *events.Hub
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

func New(cfg Config) *Tracker {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		self:    cfg.UserID,
		remote:  cfg.Remote,
		cache:   cfg.Cache,
		markers: cfg.Markers,
		hub:     cfg.Hub,
		metrics: cfg.Metrics,
		log:     log,
		now:     time.Now,
		deleted: make(map[string]time.Time),
	}
}

// Load migrates legacy keys and hydrates the in-memory state from durable markers.
func (t *Tracker) Load(ctx context.Context) error {
	if n, err := t.markers.Migrate(ctx, t.self); err != nil {
		t.log.Warn("marker_migration_failed", zap.Error(err))
	} else if n > 0 {
		t.log.Info("markers_migrated", zap.Int("count", n))
	}

	list, err := t.markers.List(ctx, t.self)
	if err != nil {
		return errors.Wrap(err, "load deletion markers")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range list {
		t.deleted[m.PeerID] = m.DeletedAt
	}
	return nil
}

func (t *Tracker) State(peerID string) State {
	if _, ok := t.DeletedAt(peerID); ok {
		return Deleted
	}
	return Active
}

// DeletedAt implements cache.DeletionFilter.
func (t *Tracker) DeletedAt(peerID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.deleted[peerID]
	return at, ok
}

// Delete moves the pair to Deleted. The remote call is best effort; the returned error
// only reports a failure to persist the marker, in which case the deletion still holds
// for the running session.
func (t *Tracker) Delete(ctx context.Context, peer models.User) error {
	if peer.ID == "" {
		return errors.New("deletion: peer id required")
	}

	remote := metrics.ResultOK
	if t.remote != nil && peer.Username != "" {
		if err := t.remote.DeleteConversation(ctx, peer.Username); err != nil {
			remote = metrics.ResultError
			t.log.Warn("remote_delete_failed", zap.String("peer_id", peer.ID), zap.Error(err))
		}
	}
	t.metrics.Deletion(remote)

	at := t.now()
	t.mu.Lock()
	t.deleted[peer.ID] = at
	t.mu.Unlock()

	if t.cache != nil {
		t.cache.Forget(peer.ID)
	}
	if n, err := t.markers.PurgePeer(ctx, t.self, peer.ID, peer.Username); err != nil {
		t.log.Warn("purge_peer_keys_failed", zap.String("peer_id", peer.ID), zap.Error(err))
	} else if n > 0 {
		t.log.Debug("peer_keys_purged", zap.String("peer_id", peer.ID), zap.Int("count", n))
	}

	err := t.markers.Mark(ctx, markers.Marker{
		UserID:       t.self,
		PeerID:       peer.ID,
		PeerUsername: peer.Username,
		DeletedAt:    at,
	})
	if err != nil {
		t.log.Error("marker_write_failed", zap.String("peer_id", peer.ID), zap.Error(err))
	}

	t.hub.Publish(events.Event{Kind: events.ConversationDeleted, PeerID: peer.ID})
	t.log.Info("conversation_deleted", zap.String("peer_id", peer.ID), zap.String("remote", remote))
	return err
}

// Clear returns the pair to Active. Maintenance only; sync never calls it.
func (t *Tracker) Clear(ctx context.Context, peerID string) error {
	if err := t.markers.Clear(ctx, t.self, peerID); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.deleted, peerID)
	t.mu.Unlock()
	return nil
}
